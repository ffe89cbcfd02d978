package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/types"
)

// Client talks to the control plane's admin API. Every call carries the
// bearer token; failures come back as tagged *types.Error so callers
// can branch on codes.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Token mirrors the control plane's issued join token.
type Token struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewClient creates a client for the admin API at baseURL, e.g.
// "http://127.0.0.1:7771".
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var te types.Error
		if err := json.NewDecoder(resp.Body).Decode(&te); err != nil || te.Code == "" {
			return types.Errorf(types.CodeValidation, "%s %s: HTTP %d", method, path, resp.StatusCode)
		}
		return &te
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var nodes []*types.Node
	return nodes, c.do(ctx, http.MethodGet, "/v1/nodes", nil, &nodes)
}

func (c *Client) DrainNode(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/nodes/"+id+"/drain", nil, nil)
}

func (c *Client) UncordonNode(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/nodes/"+id+"/uncordon", nil, nil)
}

func (c *Client) ListPacks(ctx context.Context) ([]*types.Pack, error) {
	var packs []*types.Pack
	return packs, c.do(ctx, http.MethodGet, "/v1/packs", nil, &packs)
}

func (c *Client) RegisterPack(ctx context.Context, spec state.PackSpec) (*types.Pack, error) {
	var pack types.Pack
	return &pack, c.do(ctx, http.MethodPost, "/v1/packs", spec, &pack)
}

func (c *Client) ListServices(ctx context.Context) ([]*types.Service, error) {
	var services []*types.Service
	return services, c.do(ctx, http.MethodGet, "/v1/services", nil, &services)
}

func (c *Client) CreateService(ctx context.Context, spec state.ServiceSpec) (*types.Service, error) {
	var svc types.Service
	return &svc, c.do(ctx, http.MethodPost, "/v1/services", spec, &svc)
}

func (c *Client) UpdateService(ctx context.Context, id string, update state.ServiceUpdate) (*types.Service, error) {
	var svc types.Service
	return &svc, c.do(ctx, http.MethodPatch, "/v1/services/"+id, update, &svc)
}

func (c *Client) DeleteService(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/services/"+id, nil, nil)
}

func (c *Client) ListPods(ctx context.Context) ([]*types.Pod, error) {
	var pods []*types.Pod
	return pods, c.do(ctx, http.MethodGet, "/v1/pods", nil, &pods)
}

func (c *Client) PodHistory(ctx context.Context, id string) ([]*types.PodHistoryEntry, error) {
	var entries []*types.PodHistoryEntry
	return entries, c.do(ctx, http.MethodGet, "/v1/pods/"+id+"/history", nil, &entries)
}

func (c *Client) RollbackPod(ctx context.Context, id, targetVersion string) (*types.Pod, error) {
	var pod types.Pod
	body := map[string]string{"targetVersion": targetVersion}
	return &pod, c.do(ctx, http.MethodPost, "/v1/pods/"+id+"/rollback", body, &pod)
}

func (c *Client) ListNamespaces(ctx context.Context) ([]*types.Namespace, error) {
	var namespaces []*types.Namespace
	return namespaces, c.do(ctx, http.MethodGet, "/v1/namespaces", nil, &namespaces)
}

func (c *Client) CreateNamespace(ctx context.Context, name string, quota *types.Resources, limits *types.LimitRange) (*types.Namespace, error) {
	var ns types.Namespace
	body := struct {
		Name   string            `json:"name"`
		Quota  *types.Resources  `json:"quota,omitempty"`
		Limits *types.LimitRange `json:"limits,omitempty"`
	}{name, quota, limits}
	return &ns, c.do(ctx, http.MethodPost, "/v1/namespaces", body, &ns)
}

func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/namespaces/"+name, nil, nil)
}

func (c *Client) CreatePriorityClass(ctx context.Context, pc types.PriorityClass) (*types.PriorityClass, error) {
	var created types.PriorityClass
	return &created, c.do(ctx, http.MethodPost, "/v1/priorityclasses", pc, &created)
}

func (c *Client) IssueToken(ctx context.Context, role, ttl string) (*Token, error) {
	var token Token
	body := struct {
		Role string `json:"role"`
		TTL  string `json:"ttl,omitempty"`
	}{role, ttl}
	return &token, c.do(ctx, http.MethodPost, "/v1/tokens", body, &token)
}
