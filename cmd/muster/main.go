package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/musterhq/muster/pkg/agent"
	"github.com/musterhq/muster/pkg/client"
	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/server"
	"github.com/musterhq/muster/pkg/state"
	"github.com/musterhq/muster/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "muster",
	Short: "Muster - declarative orchestration for versioned executable packs",
	Long: `Muster schedules versioned executable bundles (packs) as replicated
pods across registered runtime nodes. Nodes dial out to the control
plane over a single websocket channel; services declare the desired
state and the reconciler keeps reality converged to it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Muster version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("api", "http://127.0.0.1:7771", "Admin API address")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for the admin API")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(podCmd)
	rootCmd.AddCommand(namespaceCmd)
	rootCmd.AddCommand(tokenCmd)
}

// apiClient builds the admin API client from the persistent flags.
func apiClient(cmd *cobra.Command) *client.Client {
	api, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("token")
	return client.NewClient(api, token)
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

// Control plane.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the control plane: websocket channel for nodes and pods, admin
API with metrics, state store, scheduler, and reconciler.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			cfg.Listen.Addr = addr
		}
		if addr, _ := cmd.Flags().GetString("metrics-listen"); addr != "" {
			cfg.Listen.MetricsAddr = addr
		}
		if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
			cfg.Listen.DataDir = dir
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		var opts []server.Option
		if bootstrap, _ := cmd.Flags().GetString("join-token"); bootstrap != "" {
			opts = append(opts, server.WithAuthenticator(server.NewTokenManager(bootstrap)))
		}
		srv, err := server.New(cfg, opts...)
		if err != nil {
			return fmt.Errorf("failed to build control plane: %w", err)
		}
		return srv.Run(signalContext())
	},
}

// Node agent.
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the node agent",
	Long: `Run the node agent: dial the control plane, register this host as a
node, and execute pod commands with the local exec runtime.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if url, _ := cmd.Flags().GetString("server-url"); url != "" {
			cfg.Agent.ServerURL = url
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name, err = os.Hostname()
			if err != nil {
				return fmt.Errorf("failed to resolve hostname: %w", err)
			}
		}
		token, _ := cmd.Flags().GetString("join-token")
		if token == "" {
			return fmt.Errorf("--join-token is required")
		}
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cpu, _ := cmd.Flags().GetInt64("cpu")
		memory, _ := cmd.Flags().GetInt64("memory")
		pods, _ := cmd.Flags().GetInt64("max-pods")
		alloc := types.Resources{CPU: cpu, Memory: memory, Pods: pods}

		rawLabels, _ := cmd.Flags().GetStringSlice("label")
		labels, err := parseLabels(rawLabels)
		if err != nil {
			return err
		}

		a := agent.New(cfg.Agent, name, token, alloc, agent.NewExecRuntime(dataDir),
			agent.WithLabels(labels))
		return a.Run(signalContext())
	},
}

func parseLabels(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("label %q is not key=value", kv)
		}
		labels[k] = v
	}
	return labels, nil
}

func init() {
	serverCmd.Flags().String("config", "", "YAML config file")
	serverCmd.Flags().String("listen", "", "Websocket channel address")
	serverCmd.Flags().String("metrics-listen", "", "Admin API and metrics address")
	serverCmd.Flags().String("data-dir", "", "Data directory for the record store")
	serverCmd.Flags().String("join-token", "", "Static bootstrap token accepted for any role")

	agentCmd.Flags().String("config", "", "YAML config file")
	agentCmd.Flags().String("server-url", "", "Control plane channel URL")
	agentCmd.Flags().String("name", "", "Node name (default: hostname)")
	agentCmd.Flags().String("join-token", "", "Join token from the control plane")
	agentCmd.Flags().String("data-dir", "./muster-agent", "Data directory for pod bundles")
	agentCmd.Flags().Int64("cpu", 4000, "Allocatable CPU in millicores")
	agentCmd.Flags().Int64("memory", 8192, "Allocatable memory in MiB")
	agentCmd.Flags().Int64("max-pods", 64, "Maximum pods on this node")
	agentCmd.Flags().StringSlice("label", nil, "Node label key=value (repeatable)")
}

// tabulate prints rows under a header the way kubectl-style CLIs do.
func tabulate(header []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 3, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}

// Service commands.
var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage services",
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List services",
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := apiClient(cmd).ListServices(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(services))
		for _, svc := range services {
			desired := fmt.Sprintf("%d", svc.Replicas)
			if svc.DaemonMode() {
				desired = "daemon"
			}
			rows = append(rows, []string{
				svc.ID, svc.Namespace, svc.Name,
				svc.PackName + "@" + svc.PackVersion,
				desired,
				fmt.Sprintf("%d/%d", svc.ReadyReplicas, svc.UpdatedReplicas),
				string(svc.Status),
			})
		}
		tabulate([]string{"ID", "NAMESPACE", "NAME", "PACK", "DESIRED", "READY/UPDATED", "STATUS"}, rows)
		return nil
	},
}

var serviceScaleCmd = &cobra.Command{
	Use:   "scale SERVICE_ID REPLICAS",
	Short: "Change a service's replica count (0 = daemon mode)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var replicas int
		if _, err := fmt.Sscanf(args[1], "%d", &replicas); err != nil {
			return fmt.Errorf("replicas must be a number: %v", err)
		}
		svc, err := apiClient(cmd).UpdateService(cmd.Context(), args[0],
			state.ServiceUpdate{Replicas: &replicas})
		if err != nil {
			return err
		}
		fmt.Printf("Service %s scaled to %d replicas\n", svc.Name, svc.Replicas)
		return nil
	},
}

var serviceUpdateCmd = &cobra.Command{
	Use:   "update SERVICE_ID",
	Short: "Roll a service to a new pack version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("pack-version")
		if version == "" {
			return fmt.Errorf("--pack-version is required")
		}
		svc, err := apiClient(cmd).UpdateService(cmd.Context(), args[0],
			state.ServiceUpdate{PackVersion: &version})
		if err != nil {
			return err
		}
		fmt.Printf("Service %s rolling to %s@%s\n", svc.Name, svc.PackName, svc.PackVersion)
		return nil
	},
}

var serviceDeleteCmd = &cobra.Command{
	Use:   "delete SERVICE_ID",
	Short: "Delete a service and tear down its pods",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeleteService(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Service %s marked for deletion\n", args[0])
		return nil
	},
}

func init() {
	serviceCmd.AddCommand(serviceListCmd)
	serviceCmd.AddCommand(serviceScaleCmd)
	serviceCmd.AddCommand(serviceUpdateCmd)
	serviceCmd.AddCommand(serviceDeleteCmd)

	serviceUpdateCmd.Flags().String("pack-version", "", "Target pack version")
}

// Pack commands.
var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Manage packs",
}

var packListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered packs",
	RunE: func(cmd *cobra.Command, args []string) error {
		packs, err := apiClient(cmd).ListPacks(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(packs))
		for _, pack := range packs {
			rows = append(rows, []string{
				pack.ID, pack.Name, pack.Version, string(pack.Runtime), age(pack.CreatedAt),
			})
		}
		tabulate([]string{"ID", "NAME", "VERSION", "RUNTIME", "AGE"}, rows)
		return nil
	},
}

var packRegisterCmd = &cobra.Command{
	Use:   "register NAME VERSION",
	Short: "Register an immutable pack version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		runtimeKind, _ := cmd.Flags().GetString("runtime")
		bundleURL, _ := cmd.Flags().GetString("bundle-url")
		entrypoint, _ := cmd.Flags().GetString("entrypoint")

		pack, err := apiClient(cmd).RegisterPack(cmd.Context(), state.PackSpec{
			Name:       args[0],
			Version:    args[1],
			Runtime:    types.RuntimeKind(runtimeKind),
			BundleURL:  bundleURL,
			Entrypoint: entrypoint,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Pack registered: %s (ID: %s)\n", pack.Ref(), pack.ID)
		return nil
	},
}

func init() {
	packCmd.AddCommand(packListCmd)
	packCmd.AddCommand(packRegisterCmd)

	packRegisterCmd.Flags().String("runtime", string(types.RuntimeNative), "Runtime kind (native|browser|universal)")
	packRegisterCmd.Flags().String("bundle-url", "", "Bundle origin URL")
	packRegisterCmd.Flags().String("entrypoint", "", "Bundle entrypoint")
}

// Node commands.
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes in the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := apiClient(cmd).ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(nodes))
		for _, node := range nodes {
			status := string(node.Status)
			if node.Unschedulable {
				status += ",cordoned"
			}
			rows = append(rows, []string{
				node.ID, node.Name, string(node.Runtime), status,
				fmt.Sprintf("%dm/%dm", node.Allocated.CPU, node.Allocatable.CPU),
				fmt.Sprintf("%d/%d", node.Allocated.Pods, node.Allocatable.Pods),
				age(node.LastHeartbeatAt),
			})
		}
		tabulate([]string{"ID", "NAME", "RUNTIME", "STATUS", "CPU", "PODS", "HEARTBEAT"}, rows)
		return nil
	},
}

var nodeDrainCmd = &cobra.Command{
	Use:   "drain NODE_ID",
	Short: "Cordon a node and evict its pods for rescheduling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DrainNode(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Node %s draining\n", args[0])
		return nil
	},
}

var nodeUncordonCmd = &cobra.Command{
	Use:   "uncordon NODE_ID",
	Short: "Make a drained node schedulable again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).UncordonNode(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Node %s schedulable\n", args[0])
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeDrainCmd)
	nodeCmd.AddCommand(nodeUncordonCmd)
}

// Pod commands.
var podCmd = &cobra.Command{
	Use:   "pod",
	Short: "Inspect and manage pods",
}

var podListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pods",
	RunE: func(cmd *cobra.Command, args []string) error {
		pods, err := apiClient(cmd).ListPods(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(pods))
		for _, pod := range pods {
			rows = append(rows, []string{
				pod.ID, pod.Namespace,
				pod.PackName + "@" + pod.PackVersion,
				pod.NodeID, string(pod.Status), age(pod.CreatedAt),
			})
		}
		tabulate([]string{"ID", "NAMESPACE", "PACK", "NODE", "STATUS", "AGE"}, rows)
		return nil
	},
}

var podHistoryCmd = &cobra.Command{
	Use:   "history POD_ID",
	Short: "Show a pod's lifecycle history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := apiClient(cmd).PodHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				e.Timestamp.Format(time.RFC3339),
				string(e.Action),
				string(e.PreviousStatus) + " -> " + string(e.NewStatus),
			})
		}
		tabulate([]string{"TIME", "ACTION", "TRANSITION"}, rows)
		return nil
	},
}

var podRollbackCmd = &cobra.Command{
	Use:   "rollback POD_ID",
	Short: "Roll a pod back to an earlier pack version in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target-version")
		pod, err := apiClient(cmd).RollbackPod(cmd.Context(), args[0], target)
		if err != nil {
			return err
		}
		fmt.Printf("Pod %s rolled back to %s@%s\n", pod.ID, pod.PackName, pod.PackVersion)
		return nil
	},
}

func init() {
	podCmd.AddCommand(podListCmd)
	podCmd.AddCommand(podHistoryCmd)
	podCmd.AddCommand(podRollbackCmd)

	podRollbackCmd.Flags().String("target-version", "", "Version to roll back to (default: previous)")
}

// Namespace commands.
var namespaceCmd = &cobra.Command{
	Use:   "namespace",
	Short: "Manage namespaces",
}

var namespaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List namespaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		namespaces, err := apiClient(cmd).ListNamespaces(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(namespaces))
		for _, ns := range namespaces {
			quota := "-"
			if ns.Quota != nil {
				quota = fmt.Sprintf("%dm/%dMiB/%d pods", ns.Quota.CPU, ns.Quota.Memory, ns.Quota.Pods)
			}
			rows = append(rows, []string{ns.Name, string(ns.Phase), quota, age(ns.CreatedAt)})
		}
		tabulate([]string{"NAME", "PHASE", "QUOTA", "AGE"}, rows)
		return nil
	},
}

var namespaceCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var quota *types.Resources
		cpu, _ := cmd.Flags().GetInt64("quota-cpu")
		memory, _ := cmd.Flags().GetInt64("quota-memory")
		pods, _ := cmd.Flags().GetInt64("quota-pods")
		if cpu > 0 || memory > 0 || pods > 0 {
			quota = &types.Resources{CPU: cpu, Memory: memory, Pods: pods}
		}
		ns, err := apiClient(cmd).CreateNamespace(cmd.Context(), args[0], quota, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Namespace %s created\n", ns.Name)
		return nil
	},
}

var namespaceDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a namespace and everything in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeleteNamespace(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Namespace %s terminating\n", args[0])
		return nil
	},
}

func init() {
	namespaceCmd.AddCommand(namespaceListCmd)
	namespaceCmd.AddCommand(namespaceCreateCmd)
	namespaceCmd.AddCommand(namespaceDeleteCmd)

	namespaceCreateCmd.Flags().Int64("quota-cpu", 0, "CPU quota in millicores")
	namespaceCreateCmd.Flags().Int64("quota-memory", 0, "Memory quota in MiB")
	namespaceCreateCmd.Flags().Int64("quota-pods", 0, "Pod count quota")
}

// Token commands.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage join tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create [node|pod|admin]",
	Short: "Issue a join token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetString("ttl")
		token, err := apiClient(cmd).IssueToken(cmd.Context(), args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Printf("Token: %s\n", token.Token)
		fmt.Printf("  Role: %s\n", token.Role)
		fmt.Printf("  Expires: %s\n", token.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd)

	tokenCreateCmd.Flags().String("ttl", "24h", "Token lifetime")
}
