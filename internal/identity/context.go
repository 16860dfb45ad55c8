package identity

import "context"

type ctxKey struct{}

// WithClient attaches the caller's client to ctx.
func WithClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClientFrom returns the client attached by WithClient, or nil.
func ClientFrom(ctx context.Context) *Client {
	c, _ := ctx.Value(ctxKey{}).(*Client)
	return c
}
