package domain

import "context"

// Principal is a verified user identity bound to a single request. It is
// created at gateway entry from the validated access token and is immutable
// for the request's lifetime.
type Principal struct {
	UserID      string
	AccessToken string
	APIKeyID    string
	AccountID   string
}

type principalKey struct{}

// ContextWithPrincipal attaches a principal to the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached to ctx, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
