/*
Package wire defines the JSON frame protocol spoken between the control
plane, node agents, and pod sessions.

Every frame is an envelope:

	{ "type": "<kind>", "payload": { ... }, "correlationId": "<uuid>" }

A response reuses the request's type on success or the type with
":error" appended on failure, carrying the same correlationId. Payloads
stay raw until the receiver dispatches on type, then decode strictly:
unknown payload fields are rejected, while frames with an unknown type
are ignored by receivers rather than treated as fatal.

Frames over 10 MiB are rejected on both encode and decode; sessions
producing them are closed with a policy violation.
*/
package wire
