package tools

import "context"

type contextKey string

const callerKey contextKey = "caller"
const conversationIDKey contextKey = "conversation_id"

// Caller identifies the authenticated principal behind a tool call.
// Its values are merged over model-supplied arguments before dispatch,
// so a model cannot act as another user by inventing a user_id.
type Caller struct {
	// UserID is merged into arguments as "user_id".
	UserID string

	// Extra holds additional trusted values merged by key.
	Extra map[string]any
}

// WithCaller attaches the trusted caller to the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext extracts the caller. ok is false when none was
// attached; nothing is merged then, and handlers reject calls that
// need an identity.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}

// WithConversationID tags the context with a conversation identifier
// for log correlation.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation ID from the
// context. Returns "default" if not set.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}
