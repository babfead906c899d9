/*
Package task turns mutating API calls into durable, observable background
jobs.

A task is a database row plus a log directory with three streams: debug
(structured logs from the body), event (JSON progress lines grouped into
stages) and result (the final short result or error). Manager creates the
row in state queued and publishes the id to a JetStream work queue keyed by
kind; Runner claims entries with a queued -> processing conditional update,
so at-least-once queue delivery never runs a task twice.

Cancellation is cooperative: Manager.Cancel flips the row to cancelling, the
runner's watcher cancels the body context with a cancelled cause, and the
body unwinds at its next suspension point. A task cancelled before pickup is
finalized without running at all.
*/
package task
