/*
Package types defines the core data structures used throughout Muster.

This package contains all fundamental types that represent Muster's domain
model: nodes, packs, pods, services, namespaces, priority classes, and the
per-pod event history. These types are used by every other package for state
management, wire communication, and orchestration logic.

# Architecture

The types package is the foundation of Muster's data model. Entities relate
to each other only by id; no entity embeds a pointer to another, so the
cluster state is a set of flat maps with no reference cycles.

Core entities:

  - Node: a registered runtime host with allocatable/allocated resources,
    labels, taints, and a heartbeat-driven status
  - Pack: an immutable, versioned executable bundle with a runtime kind
  - Pod: a single execution of a pack on one node, driven through a strict
    lifecycle state machine
  - Service: a desired-state declaration for N replicas of a pack
    (replicas == 0 selects daemon mode, one replica per compatible node)
  - Namespace: grouping with resource quota and limit ranges
  - PriorityClass: named scheduling priority values
  - PodHistoryEntry: append-only lifecycle records owned by their pod

# Pod lifecycle

	pending → scheduled → starting → running → stopping → stopped
	             │            │                   │
	             │            └── fail ──▶ failed │
	             └── evict ──▶ evicted            └── fail ──▶ failed

stopped, failed, and evicted are terminal sinks; PodStatus.Terminal reports
this and the scheduler rejects any transition out of them.

# Errors

Errors cross component boundaries as tagged values (Error with a Code,
message, and optional details). Callers branch on the code with IsCode or
CodeOf rather than matching message text; Retryable classifies the capacity
and transient-network kinds that the reconciler and connection layers retry
with backoff.
*/
package types
