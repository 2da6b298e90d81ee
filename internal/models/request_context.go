package models

import "context"

// ClientContext identifies the caller of an authentication flow
type ClientContext struct {
	IPAddress     string
	UserAgent     string
	CorrelationID string
}

type clientContextKey struct{}

// WithClientContext stores cc in ctx
func WithClientContext(ctx context.Context, cc ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, cc)
}

// ClientContextFrom returns the client context stored in ctx, or the zero value
func ClientContextFrom(ctx context.Context) ClientContext {
	cc, _ := ctx.Value(clientContextKey{}).(ClientContext)
	return cc
}
