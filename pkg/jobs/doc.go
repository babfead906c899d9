// Package jobs holds the task bodies the director workers execute. Each
// body decodes its arguments from the task row, takes the locks its
// resources need, and reports progress through the task's event log.
// Bodies are idempotent at the queue level: redelivered messages are
// dropped before a body ever runs.
package jobs
