// Package server is the control plane's composition root. It opens the
// persistent record store, builds the in-memory cluster state, wires
// the connection manager, peer signaling router, scheduler, and
// reconciler together, and serves the websocket channel plus the admin
// and metrics HTTP endpoints. Teardown runs in reverse dependency
// order so in-flight work drains before the state it needs vanishes.
package server
