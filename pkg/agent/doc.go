// Package agent implements the node-side client. It dials the control
// plane's message channel, authenticates with a join token, registers
// the node (or resumes its identity on reconnect), heartbeats, and
// executes pod deploy and stop commands against a Runtime, reporting
// every lifecycle change back as a status update.
package agent
