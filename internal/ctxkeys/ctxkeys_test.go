package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTurnAndConversationID(t *testing.T) {
	ctx := context.Background()
	_, ok := TurnID(ctx)
	assert.False(t, ok)

	ctx = WithTurnID(ctx, "turn-1")
	ctx = WithConversationID(ctx, "conv-1")

	id, ok := TurnID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "turn-1", id)
	conv, ok := ConversationID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "conv-1", conv)

	_, ok = ConversationID(WithConversationID(context.Background(), ""))
	assert.False(t, ok)
}
