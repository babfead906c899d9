/*
Package pool provides the bounded worker pool used wherever the director
fans out blocking work: package compilation, resource pool grow/shrink and
the bulk phase of job updates.

Semantics: at most K units run concurrently, the first error short-circuits
scheduling of units not yet started, in-flight units run to completion, and
Wait surfaces the first error. Cancellation of the parent context behaves
like a failure with the context's cause as the error.

	p := pool.New(ctx, maxInFlight)
	for _, in := range instances {
		in := in
		p.Go(func(ctx context.Context) error { return update(ctx, in) })
	}
	if err := p.Wait(); err != nil { ... }
*/
package pool
