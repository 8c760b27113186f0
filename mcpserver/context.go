package mcpserver

import "context"

type sessionIDKey struct{}

// WithSessionID attaches the resolved session id to ctx; transports call
// this before handing a request to the MCP server so tool/resource
// handlers can recover a Context without a weak binding keyed by
// transport object identity.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionIDFromContext recovers the session id set by WithSessionID.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok
}
