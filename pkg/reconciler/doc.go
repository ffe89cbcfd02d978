// Package reconciler drives observed cluster state toward declared
// state. Each tick it demotes silent nodes, evicts pods stranded on
// lost nodes, places pending pods through the scheduler, and converges
// every service's replica set, including bounded rolling version
// updates.
package reconciler
