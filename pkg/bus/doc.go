/*
Package bus abstracts the pub/sub fabric carrying agent RPC traffic.

Agents subscribe on agent.<agent_id>; the director publishes one JSON request
per call and listens on a per-invocation inbox subject for the reply. The
Bus interface is deliberately small (publish, subscribe, close) so the NATS
implementation and the in-memory test implementation stay interchangeable.

NATSBus wraps one nats.Conn per process; the JetStream task queue in
pkg/task shares it via Conn. MemoryBus backs unit tests and the dummy
cloud's in-process fake agents.
*/
package bus
