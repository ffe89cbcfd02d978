/*
Package scheduler chooses placements for pending pods and drives the
placement-adjacent transitions: preemption and rollback.

# Placement

Schedule runs three phases:

	filter -> score -> commit

Filter keeps nodes that are online and schedulable, runtime-compatible
with the pod's pack, matching its node selector, tolerated for every
NoSchedule taint, and with room for the pod's requests in every
dimension including a free pod slot. Nodes that fail only the resource
check are remembered as the preemption frontier.

Score ranks survivors by the configured policy. Spread prefers nodes
with fewer pods; binpack prefers nodes that end up fullest after the
placement. Ties break on node id so placement is deterministic.

Commit goes through the state store, which re-checks capacity under its
lock. Losing that race falls through to the next ranked candidate, up
to the configured retry budget, before giving up with
NO_COMPATIBLE_NODES.

# Preemption

When no candidate survives filtering because of resources and
preemption is enabled, the scheduler looks for the cheapest way to make
room: on each frontier node, take strictly lower-priority pods,
lowest first, until the pod fits. Among nodes the plan minimizing
(eviction count, summed victim priority, node id) wins. Victims are
evicted through the store, their nodes told to stop them, and the pod
is then placed normally.

# Rollback

Rollback repoints a placed pod (scheduled, starting, or running) at an
existing earlier version of its pack. It never reschedules: the node
allocation is reused, so the only extra check is that the target
version's runtime still suits the pod's node.
*/
package scheduler
