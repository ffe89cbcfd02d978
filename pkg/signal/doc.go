/*
Package signal relays signaling envelopes between pod sessions and
answers route-lookup requests.

The router never inspects signal payloads. It enforces exactly two
things on the forwarding path: the claimed source pod must match the
sending session's registered pod (spoofed frames are dropped and the
impostor told so), and the target pod must hold an open session right
now (unreachable targets are rejected, never buffered). Per sender,
signals are forwarded in arrival order because they are handled on the
sender's session read loop; across senders no order is promised.

Route lookups resolve a service id to one of its running, connected
pods, rotating round-robin per service. Private services only answer
their own pods and explicitly allowed source services; system services
never answer over the peer channel.
*/
package signal
