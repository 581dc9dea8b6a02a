package auth

import (
	"context"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// TokenDataContextKey is the context key for the authenticated caller's
// token record. An empty struct key cannot collide with keys from other
// packages.
type TokenDataContextKey struct{}

// WithTokenData stores the authenticated token record in the context.
func WithTokenData(ctx context.Context, data *token.Data) context.Context {
	if data == nil {
		return ctx
	}
	return context.WithValue(ctx, TokenDataContextKey{}, data)
}

// TokenDataFromContext retrieves the authenticated token record, if the
// request passed the auth middleware.
func TokenDataFromContext(ctx context.Context) (*token.Data, bool) {
	data, ok := ctx.Value(TokenDataContextKey{}).(*token.Data)
	return data, ok
}
