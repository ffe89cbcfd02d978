package types

import (
	"time"
)

// RuntimeKind identifies the execution environment a node provides or a
// pack requires. Universal packs run on any node.
type RuntimeKind string

const (
	RuntimeNative    RuntimeKind = "native"
	RuntimeBrowser   RuntimeKind = "browser"
	RuntimeUniversal RuntimeKind = "universal"
)

// Compatible reports whether a pack with runtime kind p can run on a node
// with runtime kind n.
func (p RuntimeKind) Compatible(n RuntimeKind) bool {
	return p == RuntimeUniversal || p == n
}

// Resources tracks a set of allocatable or allocated resource dimensions.
// CPU is in millicores, Memory and Storage in MiB, Pods is a slot count.
type Resources struct {
	CPU     int64 `json:"cpu"`
	Memory  int64 `json:"memory"`
	Pods    int64 `json:"pods"`
	Storage int64 `json:"storage,omitempty"`
}

// Add returns r with o added to each dimension.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		CPU:     r.CPU + o.CPU,
		Memory:  r.Memory + o.Memory,
		Pods:    r.Pods + o.Pods,
		Storage: r.Storage + o.Storage,
	}
}

// Sub returns r with o subtracted from each dimension.
func (r Resources) Sub(o Resources) Resources {
	return Resources{
		CPU:     r.CPU - o.CPU,
		Memory:  r.Memory - o.Memory,
		Pods:    r.Pods - o.Pods,
		Storage: r.Storage - o.Storage,
	}
}

// Fits reports whether r fits within limit componentwise.
func (r Resources) Fits(limit Resources) bool {
	return r.CPU <= limit.CPU &&
		r.Memory <= limit.Memory &&
		r.Pods <= limit.Pods &&
		r.Storage <= limit.Storage
}

// IsZero reports whether every dimension is zero.
func (r Resources) IsZero() bool {
	return r == Resources{}
}

// Node represents a registered runtime host that can execute pods.
// Nodes connect outbound to the control plane; they never listen.
type Node struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Runtime         RuntimeKind       `json:"runtime"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Taints          []Taint           `json:"taints,omitempty"`
	Allocatable     Resources         `json:"allocatable"`
	Allocated       Resources         `json:"allocated"`
	Status          NodeStatus        `json:"status"`
	Unschedulable   bool              `json:"unschedulable,omitempty"`
	LastHeartbeatAt time.Time         `json:"lastHeartbeatAt"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// NodeStatus represents the observed state of a node.
type NodeStatus string

const (
	NodeStatusOnline    NodeStatus = "online"
	NodeStatusDraining  NodeStatus = "draining"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
	NodeStatusOffline   NodeStatus = "offline"
)

// Schedulable reports whether the node accepts new pods.
func (n *Node) Schedulable() bool {
	return n.Status == NodeStatusOnline && !n.Unschedulable
}

// Free returns the node's unallocated resources.
func (n *Node) Free() Resources {
	return n.Allocatable.Sub(n.Allocated)
}

// Taint restricts scheduling on a node unless a pod tolerates it.
type Taint struct {
	Key    string      `json:"key"`
	Value  string      `json:"value,omitempty"`
	Effect TaintEffect `json:"effect"`
}

// TaintEffect describes what a taint does to non-tolerating pods.
type TaintEffect string

const (
	TaintEffectNoSchedule TaintEffect = "NoSchedule"
)

// Toleration lets a pod schedule onto nodes with matching taints.
type Toleration struct {
	Key      string             `json:"key"`
	Operator TolerationOperator `json:"operator"`
	Value    string             `json:"value,omitempty"`
	Effect   TaintEffect        `json:"effect,omitempty"`
}

// TolerationOperator relates a toleration to a taint value.
type TolerationOperator string

const (
	TolerationOpEqual  TolerationOperator = "Equal"
	TolerationOpExists TolerationOperator = "Exists"
)

// Tolerates reports whether the toleration matches the given taint.
func (t Toleration) Tolerates(taint Taint) bool {
	if t.Key != taint.Key {
		return false
	}
	if t.Effect != "" && t.Effect != taint.Effect {
		return false
	}
	switch t.Operator {
	case TolerationOpExists:
		return true
	case TolerationOpEqual:
		return t.Value == taint.Value
	default:
		return false
	}
}

// Pack is an immutable, versioned executable bundle with a runtime kind.
// Name and Version together are unique; versions follow semver.
type Pack struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Runtime     RuntimeKind       `json:"runtime"`
	OwnerID     string            `json:"ownerId,omitempty"`
	BundleURL   string            `json:"bundleUrl,omitempty"`
	BundleBytes []byte            `json:"bundleBytes,omitempty"`
	Entrypoint  string            `json:"entrypoint,omitempty"`
	DefaultEnv  map[string]string `json:"defaultEnv,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Ref returns the canonical name@version reference for the pack.
func (p *Pack) Ref() string {
	return p.Name + "@" + p.Version
}

// Pod is a single execution of a pack on one node.
type Pod struct {
	ID            string            `json:"id"`
	Namespace     string            `json:"namespace"`
	ServiceID     string            `json:"serviceId,omitempty"`
	PackID        string            `json:"packId"`
	PackName      string            `json:"packName"`
	PackVersion   string            `json:"packVersion"`
	NodeID        string            `json:"nodeId,omitempty"`
	Status        PodStatus         `json:"status"`
	Priority      int               `json:"priority"`
	PriorityClass string            `json:"priorityClass,omitempty"`
	Requests      Resources         `json:"requests"`
	Limits        Resources         `json:"limits,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Tolerations   []Toleration      `json:"tolerations,omitempty"`
	NodeSelector  map[string]string `json:"nodeSelector,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	CreatedBy     string            `json:"createdBy,omitempty"`
	StatusMessage string            `json:"statusMessage,omitempty"`

	// ScheduleAttempts counts placement failures; the reconciler gives up
	// after its attempt budget and marks the pod failed.
	ScheduleAttempts int `json:"scheduleAttempts,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	ScheduledAt time.Time `json:"scheduledAt,omitzero"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	StoppedAt   time.Time `json:"stoppedAt,omitzero"`
}

// PodStatus represents the lifecycle state of a pod.
type PodStatus string

const (
	PodStatusPending   PodStatus = "pending"
	PodStatusScheduled PodStatus = "scheduled"
	PodStatusStarting  PodStatus = "starting"
	PodStatusRunning   PodStatus = "running"
	PodStatusStopping  PodStatus = "stopping"
	PodStatusStopped   PodStatus = "stopped"
	PodStatusFailed    PodStatus = "failed"
	PodStatusEvicted   PodStatus = "evicted"
)

// Terminal reports whether the status is a sink with no outgoing
// transitions.
func (s PodStatus) Terminal() bool {
	switch s {
	case PodStatusStopped, PodStatusFailed, PodStatusEvicted:
		return true
	}
	return false
}

// PodAction is a transition in the pod state machine.
type PodAction string

const (
	PodActionSchedule PodAction = "schedule"
	PodActionStart    PodAction = "start"
	PodActionRun      PodAction = "run"
	PodActionStop     PodAction = "stop"
	PodActionStopped  PodAction = "stopped"
	PodActionFail     PodAction = "fail"
	PodActionEvict    PodAction = "evict"
)

// Service is a named desired-state declaration for N replicas of a pack.
// Replicas == 0 means daemon mode: one replica per compatible node.
type Service struct {
	ID          string `json:"id"`
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	PackName    string `json:"packName"`
	PackVersion string `json:"packVersion"`
	Replicas    int    `json:"replicas"`

	Template     PodTemplate    `json:"template"`
	TemplateHash string         `json:"templateHash,omitempty"`
	Strategy     UpdateStrategy `json:"strategy"`

	Status         ServiceStatus `json:"status"`
	Visibility     Visibility    `json:"visibility"`
	Exposed        bool          `json:"exposed,omitempty"`
	AllowedSources []string      `json:"allowedSources,omitempty"`

	ReadyReplicas     int `json:"readyReplicas"`
	AvailableReplicas int `json:"availableReplicas"`
	UpdatedReplicas   int `json:"updatedReplicas"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DaemonMode reports whether the service runs one replica per
// compatible node instead of a fixed count.
func (s *Service) DaemonMode() bool {
	return s.Replicas == 0
}

// PodTemplate is the scheduling template stamped onto pods the
// reconciler creates for a service.
type PodTemplate struct {
	PriorityClass string            `json:"priorityClass,omitempty"`
	Requests      Resources         `json:"requests"`
	Limits        Resources         `json:"limits,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Tolerations   []Toleration      `json:"tolerations,omitempty"`
	NodeSelector  map[string]string `json:"nodeSelector,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// UpdateStrategy bounds rolling replacement during a version update.
type UpdateStrategy struct {
	// MaxSurge is how many pods above the desired count may exist while
	// new-version pods come up.
	MaxSurge int `json:"maxSurge"`
	// MaxUnavailable is how many pods below the desired count may be
	// not-running during the update.
	MaxUnavailable int `json:"maxUnavailable"`
}

// ServiceStatus represents the lifecycle state of a service.
type ServiceStatus string

const (
	ServiceStatusActive   ServiceStatus = "active"
	ServiceStatusPaused   ServiceStatus = "paused"
	ServiceStatusScaling  ServiceStatus = "scaling"
	ServiceStatusDeleting ServiceStatus = "deleting"
)

// Visibility controls which peers may route to a service's pods.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilitySystem  Visibility = "system"
)

// Namespace groups pods and services and carries resource quota.
type Namespace struct {
	Name      string         `json:"name"`
	Phase     NamespacePhase `json:"phase"`
	Quota     *Resources     `json:"quota,omitempty"`
	Limits    *LimitRange    `json:"limits,omitempty"`
	Usage     Resources      `json:"usage"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NamespacePhase represents the lifecycle state of a namespace.
type NamespacePhase string

const (
	NamespaceActive      NamespacePhase = "active"
	NamespaceTerminating NamespacePhase = "terminating"
)

// DefaultNamespace is always present and cannot be deleted, nor can any
// namespace whose name starts with SystemNamespacePrefix.
const (
	DefaultNamespace      = "default"
	SystemNamespacePrefix = "system-"
)

// Reserved reports whether the namespace name is protected from deletion.
func (n *Namespace) Reserved() bool {
	return n.Name == DefaultNamespace ||
		len(n.Name) >= len(SystemNamespacePrefix) && n.Name[:len(SystemNamespacePrefix)] == SystemNamespacePrefix
}

// LimitRange supplies default and maximum per-pod requests for a
// namespace.
type LimitRange struct {
	DefaultRequest Resources `json:"defaultRequest,omitempty"`
	MaxRequest     Resources `json:"maxRequest,omitempty"`
}

// PriorityClass maps a name to a scheduling priority value. Pods
// referencing a missing class get priority 0.
type PriorityClass struct {
	Name          string `json:"name"`
	Value         int    `json:"value"`
	GlobalDefault bool   `json:"globalDefault,omitempty"`
}

// HistoryAction is the kind of lifecycle event recorded for a pod.
type HistoryAction string

const (
	HistoryCreated     HistoryAction = "created"
	HistoryScheduled   HistoryAction = "scheduled"
	HistoryStarted     HistoryAction = "started"
	HistoryRunning     HistoryAction = "running"
	HistoryStopped     HistoryAction = "stopped"
	HistoryFailed      HistoryAction = "failed"
	HistoryEvicted     HistoryAction = "evicted"
	HistoryRolledBack  HistoryAction = "rolled_back"
	HistoryUnscheduled HistoryAction = "unscheduled"
)

// PodHistoryEntry is one append-only lifecycle record for a pod.
// Deleting a pod deletes its history.
type PodHistoryEntry struct {
	PodID          string            `json:"podId"`
	Timestamp      time.Time         `json:"timestamp"`
	Action         HistoryAction     `json:"action"`
	PreviousStatus PodStatus         `json:"previousStatus,omitempty"`
	NewStatus      PodStatus         `json:"newStatus,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Label map keys may be at most 253 characters and values at most 63.
const (
	MaxLabelKeyLen   = 253
	MaxLabelValueLen = 63
)

// ValidateLabels checks label key/value length limits.
func ValidateLabels(labels map[string]string) error {
	for k, v := range labels {
		if len(k) == 0 || len(k) > MaxLabelKeyLen {
			return Errorf(CodeValidation, "label key %q exceeds %d characters", k, MaxLabelKeyLen)
		}
		if len(v) > MaxLabelValueLen {
			return Errorf(CodeValidation, "label value for %q exceeds %d characters", k, MaxLabelValueLen)
		}
	}
	return nil
}
