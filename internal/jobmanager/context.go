package jobmanager

import "context"

type futureKey struct{}

func withFuture(ctx context.Context, f *Future) context.Context {
	return context.WithValue(ctx, futureKey{}, f)
}

// CurrentFuture returns the future whose work is executing with ctx, or nil
// when ctx does not belong to a job execution.
func CurrentFuture(ctx context.Context) *Future {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(futureKey{}).(*Future)
	return f
}
