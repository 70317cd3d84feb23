package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	turnIDKey         contextKey = "turn_id"
	conversationIDKey contextKey = "conversation_id"
)

// WithTurnID 设置 TurnID
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey, turnID)
}

// TurnID 获取 TurnID
func TurnID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(turnIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithConversationID 设置会话 ID
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationID 获取会话 ID
func ConversationID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(conversationIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
