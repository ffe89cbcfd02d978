package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/musterhq/muster/pkg/types"
)

// TokenRole scopes what a join token may register as.
type TokenRole string

const (
	RoleNode  TokenRole = "node"
	RolePod   TokenRole = "pod"
	RoleAdmin TokenRole = "admin"
)

// JoinToken is an issued credential for attaching to the control plane.
type JoinToken struct {
	Token     string    `json:"token"`
	Role      TokenRole `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenManager issues and verifies join tokens. It is the default
// identity collaborator behind the connection manager; deployments with
// an external identity service replace it at wiring time.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken

	// static is an operator-provided bootstrap token accepted for any
	// role; empty disables it.
	static string
}

// NewTokenManager creates a token manager. staticToken, when not empty,
// is accepted without expiry.
func NewTokenManager(staticToken string) *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*JoinToken),
		static: staticToken,
	}
}

// Issue mints a random token for a role with the given lifetime.
func (tm *TokenManager) Issue(role TokenRole, ttl time.Duration) (*JoinToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := time.Now()
	jt := &JoinToken{
		Token:     hex.EncodeToString(raw),
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()
	return jt, nil
}

// Verify implements connmgr.Authenticator.
func (tm *TokenManager) Verify(token string) error {
	if token == "" {
		return types.NewError(types.CodeAuthFailed, "empty token")
	}
	if tm.static != "" && token == tm.static {
		return nil
	}

	tm.mu.RLock()
	jt, ok := tm.tokens[token]
	tm.mu.RUnlock()

	if !ok {
		return types.NewError(types.CodeAuthFailed, "unknown token")
	}
	if time.Now().After(jt.ExpiresAt) {
		return types.NewError(types.CodeAuthFailed, "token expired")
	}
	return nil
}

// Revoke invalidates a token immediately.
func (tm *TokenManager) Revoke(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// Sweep drops expired tokens and returns how many were removed.
func (tm *TokenManager) Sweep() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	removed := 0
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
			removed++
		}
	}
	return removed
}

// ActiveTokens lists the currently valid tokens.
func (tm *TokenManager) ActiveTokens() []*JoinToken {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	now := time.Now()
	out := make([]*JoinToken, 0, len(tm.tokens))
	for _, jt := range tm.tokens {
		if now.Before(jt.ExpiresAt) {
			copied := *jt
			out = append(out, &copied)
		}
	}
	return out
}
