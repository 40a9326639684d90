package store

import "context"

type contextKey string

const (
	// UserIDKey is the context key for the external user ID (free-form text).
	UserIDKey contextKey = "cloudserve_user_id"
	// SessionKeyKey is the context key for the chat session the run belongs to.
	SessionKeyKey contextKey = "cloudserve_session_key"
)

// WithUserID returns a new context with the given user ID.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

// UserIDFromContext extracts the user ID from context. Returns "" if not set.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionKey returns a new context with the given session key.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, key)
}

// SessionKeyFromContext extracts the session key from context. Returns "" if not set.
func SessionKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(SessionKeyKey).(string); ok {
		return v
	}
	return ""
}
