// Package api is the director's HTTP front end. Reads are served from the
// store directly; every mutation is enqueued as a task and the response is a
// 302 to the task so clients can poll its state and output. All routes
// require HTTP basic auth against the users table. Domain errors render as
// {code, description}; anything else is a bare 500.
package api
