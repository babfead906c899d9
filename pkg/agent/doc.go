/*
Package agent implements the director side of agent RPC.

Each call publishes {method, arguments, reply_to} to agent.<agent_id> and
waits on a per-invocation inbox subject for {value} or {exception}. Replies
are correlated only by the inbox subject, so any number of calls to one agent
may be in flight. Timeouts surface as agent_timeout; idempotent methods
(ping, get_state, get_task) are retried on timeout, everything else is not.

Long-running methods (apply, stop, compile_package, the disk operations)
reply immediately with an agent task handle; CallTask transparently polls
get_task with capped exponential backoff until the task finishes and returns
its final value. There is no director-side deadline on agent tasks unless
Options.TaskTimeout is set.
*/
package agent
