package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/musterhq/muster/pkg/client"
	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply muster resources from a YAML file. Multiple resources may be
separated by "---" in one file.

Examples:
  # Register a pack and declare a service
  muster apply -f stack.yaml

  # Apply a namespace with quota
  muster apply -f namespace.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// manifest is the generic resource envelope: kind, metadata, and a
// kind-specific spec decoded in a second pass.
type manifest struct {
	APIVersion string    `yaml:"apiVersion"`
	Kind       string    `yaml:"kind"`
	Metadata   metadata  `yaml:"metadata"`
	Spec       yaml.Node `yaml:"spec"`
}

type metadata struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

type resourcesSpec struct {
	CPU     int64 `yaml:"cpu"`
	Memory  int64 `yaml:"memory"`
	Pods    int64 `yaml:"pods"`
	Storage int64 `yaml:"storage"`
}

func (r resourcesSpec) toResources() types.Resources {
	return types.Resources{CPU: r.CPU, Memory: r.Memory, Pods: r.Pods, Storage: r.Storage}
}

type packSpec struct {
	Version    string            `yaml:"version"`
	Runtime    string            `yaml:"runtime"`
	BundleURL  string            `yaml:"bundleUrl,omitempty"`
	Entrypoint string            `yaml:"entrypoint,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Timeout    time.Duration     `yaml:"timeout,omitempty"`
}

type serviceSpec struct {
	Pack struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"pack"`
	Replicas int `yaml:"replicas"`
	Template struct {
		PriorityClass string            `yaml:"priorityClass,omitempty"`
		Requests      resourcesSpec     `yaml:"requests"`
		Limits        resourcesSpec     `yaml:"limits,omitempty"`
		NodeSelector  map[string]string `yaml:"nodeSelector,omitempty"`
		Env           map[string]string `yaml:"env,omitempty"`
	} `yaml:"template"`
	Strategy struct {
		MaxSurge       int `yaml:"maxSurge"`
		MaxUnavailable int `yaml:"maxUnavailable"`
	} `yaml:"strategy,omitempty"`
	Visibility     string   `yaml:"visibility,omitempty"`
	Exposed        bool     `yaml:"exposed,omitempty"`
	AllowedSources []string `yaml:"allowedSources,omitempty"`
}

type namespaceSpec struct {
	Quota  *resourcesSpec `yaml:"quota,omitempty"`
	Limits *struct {
		DefaultRequest resourcesSpec `yaml:"defaultRequest,omitempty"`
		MaxRequest     resourcesSpec `yaml:"maxRequest,omitempty"`
	} `yaml:"limits,omitempty"`
}

type priorityClassSpec struct {
	Value         int  `yaml:"value"`
	GlobalDefault bool `yaml:"globalDefault,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	c := apiClient(cmd)
	dec := yaml.NewDecoder(f)
	for {
		var resource manifest
		if err := dec.Decode(&resource); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
		if resource.Kind == "" {
			continue
		}
		if err := applyResource(cmd.Context(), c, &resource); err != nil {
			return err
		}
	}
}

func applyResource(ctx context.Context, c *client.Client, resource *manifest) error {
	switch resource.Kind {
	case "Pack":
		return applyPack(ctx, c, resource)
	case "Service":
		return applyService(ctx, c, resource)
	case "Namespace":
		return applyNamespace(ctx, c, resource)
	case "PriorityClass":
		return applyPriorityClass(ctx, c, resource)
	default:
		return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
	}
}

func applyPack(ctx context.Context, c *client.Client, resource *manifest) error {
	var spec packSpec
	if err := resource.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("bad Pack spec: %w", err)
	}

	pack, err := c.RegisterPack(ctx, state.PackSpec{
		Name:       resource.Metadata.Name,
		Version:    spec.Version,
		Runtime:    types.RuntimeKind(spec.Runtime),
		BundleURL:  spec.BundleURL,
		Entrypoint: spec.Entrypoint,
		DefaultEnv: spec.Env,
		Timeout:    spec.Timeout,
	})
	if err != nil {
		// Pack versions are immutable; re-applying the same one is fine.
		if types.IsCode(err, types.CodeVersionExists) {
			fmt.Printf("Pack already registered: %s@%s (skipping)\n",
				resource.Metadata.Name, spec.Version)
			return nil
		}
		return fmt.Errorf("failed to register pack: %w", err)
	}
	fmt.Printf("✓ Pack registered: %s (ID: %s)\n", pack.Ref(), pack.ID)
	return nil
}

func applyService(ctx context.Context, c *client.Client, resource *manifest) error {
	var spec serviceSpec
	if err := resource.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("bad Service spec: %w", err)
	}

	desired := state.ServiceSpec{
		Namespace:   resource.Metadata.Namespace,
		Name:        resource.Metadata.Name,
		PackName:    spec.Pack.Name,
		PackVersion: spec.Pack.Version,
		Replicas:    spec.Replicas,
		Template: types.PodTemplate{
			PriorityClass: spec.Template.PriorityClass,
			Requests:      spec.Template.Requests.toResources(),
			Limits:        spec.Template.Limits.toResources(),
			Labels:        resource.Metadata.Labels,
			NodeSelector:  spec.Template.NodeSelector,
			Env:           spec.Template.Env,
		},
		Strategy: types.UpdateStrategy{
			MaxSurge:       spec.Strategy.MaxSurge,
			MaxUnavailable: spec.Strategy.MaxUnavailable,
		},
		Visibility:     types.Visibility(spec.Visibility),
		Exposed:        spec.Exposed,
		AllowedSources: spec.AllowedSources,
	}

	// An existing service with the same name becomes an update.
	existing, err := findService(ctx, c, desired.Namespace, desired.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		update := state.ServiceUpdate{
			Replicas: &desired.Replicas,
			Template: &desired.Template,
			Strategy: &desired.Strategy,
		}
		if desired.PackVersion != existing.PackVersion {
			update.PackVersion = &desired.PackVersion
		}
		svc, err := c.UpdateService(ctx, existing.ID, update)
		if err != nil {
			return fmt.Errorf("failed to update service: %w", err)
		}
		fmt.Printf("✓ Service updated: %s (%s@%s)\n", svc.Name, svc.PackName, svc.PackVersion)
		return nil
	}

	svc, err := c.CreateService(ctx, desired)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	fmt.Printf("✓ Service created: %s (ID: %s)\n", svc.Name, svc.ID)
	return nil
}

func findService(ctx context.Context, c *client.Client, namespace, name string) (*types.Service, error) {
	if namespace == "" {
		namespace = types.DefaultNamespace
	}
	services, err := c.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	for _, svc := range services {
		if svc.Namespace == namespace && svc.Name == name {
			return svc, nil
		}
	}
	return nil, nil
}

func applyNamespace(ctx context.Context, c *client.Client, resource *manifest) error {
	var spec namespaceSpec
	if err := resource.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("bad Namespace spec: %w", err)
	}

	var quota *types.Resources
	if spec.Quota != nil {
		q := spec.Quota.toResources()
		quota = &q
	}
	var limits *types.LimitRange
	if spec.Limits != nil {
		limits = &types.LimitRange{
			DefaultRequest: spec.Limits.DefaultRequest.toResources(),
			MaxRequest:     spec.Limits.MaxRequest.toResources(),
		}
	}

	ns, err := c.CreateNamespace(ctx, resource.Metadata.Name, quota, limits)
	if err != nil {
		if types.IsCode(err, types.CodeNameTaken) {
			fmt.Printf("Namespace already exists: %s (skipping)\n", resource.Metadata.Name)
			return nil
		}
		return fmt.Errorf("failed to create namespace: %w", err)
	}
	fmt.Printf("✓ Namespace created: %s\n", ns.Name)
	return nil
}

func applyPriorityClass(ctx context.Context, c *client.Client, resource *manifest) error {
	var spec priorityClassSpec
	if err := resource.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("bad PriorityClass spec: %w", err)
	}

	pc, err := c.CreatePriorityClass(ctx, types.PriorityClass{
		Name:          resource.Metadata.Name,
		Value:         spec.Value,
		GlobalDefault: spec.GlobalDefault,
	})
	if err != nil {
		if types.IsCode(err, types.CodeNameTaken) {
			fmt.Printf("PriorityClass already exists: %s (skipping)\n", resource.Metadata.Name)
			return nil
		}
		return fmt.Errorf("failed to create priority class: %w", err)
	}
	fmt.Printf("✓ PriorityClass created: %s (value %d)\n", pc.Name, pc.Value)
	return nil
}
