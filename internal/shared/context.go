package shared

import (
	"context"

	"github.com/odyssey-erp/odyssey-crm/internal/session"
)

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// PrincipalFromContext returns the principal bound to the request session.
func PrincipalFromContext(ctx context.Context) *session.Principal {
	return SessionFromContext(ctx).Principal()
}
