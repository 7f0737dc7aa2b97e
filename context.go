package authsession

import "context"

type ctxKey string

const (
	ctxKeyIdentity ctxKey = "authsession_identity"
	ctxKeyContext  ctxKey = "authsession_execution_context"
)

// WithIdentity stores the resolved identity in the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// IdentityFromContext extracts the identity from the context, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(ctxKeyIdentity).(*Identity)
	return v
}

// WithExecutionContext stores the execution context a request originates from.
func WithExecutionContext(ctx context.Context, ec ExecutionContext) context.Context {
	return context.WithValue(ctx, ctxKeyContext, ec)
}

// ExecutionContextFrom extracts the execution context, falling back to def.
func ExecutionContextFrom(ctx context.Context, def ExecutionContext) ExecutionContext {
	if v, ok := ctx.Value(ctxKeyContext).(ExecutionContext); ok && v.Valid() {
		return v
	}
	return def
}
