// Package client is a small Go client for the director's HTTP API, used by
// operator tooling and the end-to-end tests. It follows the API's task
// convention: every mutation returns a task id, and WaitTask polls it until
// the director reports a terminal state.
package client
