/*
Package state holds the authoritative in-memory cluster state and the
typed operations that mutate it.

Every mutation is serialized under one lock, validated against the
current state, written through to the optional persistence backend, and
announced on the optional event broker. Observers never receive
pointers into the store: all reads, including the snapshot list views,
return deep copies taken under the lock.

The pod state machine lives here. SchedulePod re-checks node capacity
under the lock, so concurrent placements cannot oversubscribe a node,
and TransitionPod releases node and namespace accounting exactly once
when a pod reaches a terminal status. Pod history is append-only and is
deleted with the pod.

Resource accounting invariant: for every node,

	allocated = Σ requests of non-terminal pods bound to it

and for every namespace, usage covers its non-terminal pods. Requests
are normalized to include one pod slot at creation time so the same
arithmetic covers slot counting.
*/
package state
