/*
Package errors defines Drydock's domain error taxonomy.

Every user-visible failure is a DirectorError with a stable numeric code and
an HTTP status. The API layer serializes these as {"code": ..., "description":
...}; task bodies store them in the task's result so asynchronous failures
carry the same codes as synchronous ones. Errors from lower layers (SQL, NATS,
cloud SDKs) are wrapped into a DirectorError at the boundary where they gain
domain meaning and flow upward unchanged from there.

Match on kind with errors.Is against a constructor result, or with IsCode:

	if direrrors.IsCode(err, direrrors.CodeLockBusy) { ... }
*/
package errors
