/*
Package storage provides the persistent record store behind Muster's
in-memory cluster state.

The Store interface exposes the relations the state store needs: nodes,
packs, pods, services, namespaces, priority classes, and per-pod history.
The state store is the only writer; it writes through after each
validated mutation and reloads everything at startup, so the durable copy
never leads the in-memory one.

BoltStore is the default implementation: one BoltDB file with a JSON
bucket per entity kind, keyed by id. Pod history uses a nested bucket
per pod with sequence-ordered keys so entries come back in append order
and a pod's whole history can be dropped in one DeleteBucket.

Alternative backends only need to satisfy Store; nothing outside this
package touches BoltDB directly.
*/
package storage
