package trace

import "context"

type ctxKey struct{}

type scope struct {
	collector *Collector
	position  int
	attempt   int
}

func scopeFrom(ctx context.Context) scope {
	s, _ := ctx.Value(ctxKey{}).(scope)
	return s
}

// WithCollector attaches c to ctx so agent calls made under it are recorded.
func WithCollector(ctx context.Context, c *Collector) context.Context {
	s := scopeFrom(ctx)
	s.collector = c
	return context.WithValue(ctx, ctxKey{}, s)
}

// WithPosition tags spans started under ctx with a paper position.
func WithPosition(ctx context.Context, position int) context.Context {
	s := scopeFrom(ctx)
	s.position = position
	return context.WithValue(ctx, ctxKey{}, s)
}

// WithAttempt tags spans started under ctx with a solve attempt index.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	s := scopeFrom(ctx)
	s.attempt = attempt
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the collector and tags attached to ctx. The collector may be nil.
func FromContext(ctx context.Context) (c *Collector, position, attempt int) {
	s := scopeFrom(ctx)
	return s.collector, s.position, s.attempt
}
