/*
Package connmgr owns the message channel for every node and pod
session: accept, authenticate, register, ping, route.

Session lifecycle:

	open -> authenticated -> registered -> (stale | closed)

A freshly accepted session is greeted with a connected frame and must
authenticate within the auth timeout or it is closed with a policy
violation. After authentication the server pings on an interval; a
missing pong within the pong timeout marks the session stale and closes
it with the server error code.

Each session owns a serialized send queue with congestion watermarks:
past the high-water mark non-critical frames are shed (counted, not
errored) while auth responses, liveness probes, and pod commands still
queue. Inbound frames are processed in arrival order on the session's
read loop; malformed frames are dropped and logged once, unknown types
are ignored.

Correlated requests block on a per-session map keyed by correlation id.
A response resolves its caller, a *:error response rejects it, context
expiry rejects with TIMEOUT or CANCELLED, and session close rejects
everything still in flight with CONNECTION_CLOSED. Entries are removed
on every path, so the map is empty at quiescence.

Domain behavior (node registration, heartbeats, pod status, signaling)
is plugged in as per-type handlers at wiring time; the manager itself
only speaks the built-in auth and liveness types.
*/
package connmgr
