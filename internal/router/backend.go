package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcolombo/relaybot/internal/history"
)

// Backend produces a reply from an ordered conversation history. The last
// turn is the user's current message.
type Backend interface {
	Complete(ctx context.Context, modelName string, turns []history.Turn) (string, error)
}

// MockBackend provides deterministic local replies when no real model is
// configured.
type MockBackend struct{}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (b *MockBackend) Complete(ctx context.Context, modelName string, turns []history.Turn) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	last := ""
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == history.RoleUser {
			last = strings.TrimSpace(turns[i].Content)
			break
		}
	}
	if last == "" {
		return "I am listening.", nil
	}
	if len(turns) <= 1 {
		return fmt.Sprintf("[%s] I heard you: %s", modelName, last), nil
	}
	return fmt.Sprintf("[%s] I heard you: %s (context: %d turns)", modelName, last, len(turns)), nil
}
