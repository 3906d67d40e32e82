package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcolombo/relaybot/internal/history"
	"github.com/mcolombo/relaybot/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	sent []transport.OutboundMessage
}

func (s *captureSender) Send(_ context.Context, msg transport.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *captureSender) last() (transport.OutboundMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return transport.OutboundMessage{}, false
	}
	return s.sent[len(s.sent)-1], true
}

type failingBackend struct{}

func (failingBackend) Complete(context.Context, string, []history.Turn) (string, error) {
	return "", errors.New("model offline")
}

func newTestRouter(backend Backend, sender Sender) (*Router, *history.Manager) {
	manager := history.NewManager(history.Config{
		Enabled:      true,
		MaxMessages:  10,
		CleanupDays:  30,
		CacheSize:    8,
		StoreTimeout: time.Second,
	}, history.NewInMemoryStore(), nil)
	r := New(Config{
		Workers:      2,
		DefaultModel: "default",
		Models:       map[string]string{"gpt": "gpt-4o", "claude": "claude-sonnet"},
	}, manager, backend, sender, nil)
	return r, manager
}

func TestHandleRecordsBothTurns(t *testing.T) {
	sender := &captureSender{}
	r, manager := newTestRouter(NewMockBackend(), sender)
	ctx := context.Background()

	r.Handle(ctx, transport.InboundMessage{UserID: "u1", Text: "hello there"})

	turns, err := manager.History(ctx, "u1", "default")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want user + assistant", len(turns))
	}
	if turns[0].Role != history.RoleUser || turns[0].Content != "hello there" {
		t.Fatalf("turns[0] = %+v, want the user turn", turns[0])
	}
	if turns[1].Role != history.RoleAssistant {
		t.Fatalf("turns[1].Role = %q, want assistant", turns[1].Role)
	}

	reply, ok := sender.last()
	if !ok || reply.UserID != "u1" {
		t.Fatalf("reply = %+v, want a reply to u1", reply)
	}
}

func TestModelPrefixRouting(t *testing.T) {
	sender := &captureSender{}
	r, manager := newTestRouter(NewMockBackend(), sender)
	ctx := context.Background()

	r.Handle(ctx, transport.InboundMessage{UserID: "u1", Text: "!gpt what is up"})
	r.Handle(ctx, transport.InboundMessage{UserID: "u1", Text: "!claude hi"})

	gptTurns, _ := manager.History(ctx, "u1", "gpt-4o")
	claudeTurns, _ := manager.History(ctx, "u1", "claude-sonnet")
	defaultTurns, _ := manager.History(ctx, "u1", "default")

	if len(gptTurns) != 2 || gptTurns[0].Content != "what is up" {
		t.Fatalf("gpt history = %+v, want stripped prefix", gptTurns)
	}
	if len(claudeTurns) != 2 {
		t.Fatalf("claude history = %d turns, want 2", len(claudeTurns))
	}
	if len(defaultTurns) != 0 {
		t.Fatalf("default history = %d turns, want 0 (prefixed messages route away)", len(defaultTurns))
	}
}

func TestResetCommand(t *testing.T) {
	sender := &captureSender{}
	r, manager := newTestRouter(NewMockBackend(), sender)
	ctx := context.Background()

	r.Handle(ctx, transport.InboundMessage{UserID: "u1", Text: "!gpt remember this"})
	r.Handle(ctx, transport.InboundMessage{UserID: "u1", Text: "!reset gpt"})

	turns, err := manager.History(ctx, "u1", "gpt-4o")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("len(turns) = %d after reset, want 0", len(turns))
	}
	reply, ok := sender.last()
	if !ok || !strings.Contains(reply.Text, "reset") {
		t.Fatalf("reply = %+v, want a reset confirmation", reply)
	}
}

func TestBackendFailureStillRecordsUserTurn(t *testing.T) {
	sender := &captureSender{}
	r, manager := newTestRouter(failingBackend{}, sender)
	ctx := context.Background()

	r.Handle(ctx, transport.InboundMessage{UserID: "u1", Text: "do not lose this"})

	turns, err := manager.History(ctx, "u1", "default")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "do not lose this" {
		t.Fatalf("history = %+v, want exactly the user turn", turns)
	}
	reply, ok := sender.last()
	if !ok || !strings.Contains(reply.Text, "unavailable") {
		t.Fatalf("reply = %+v, want an unavailable notice", reply)
	}
}

func TestBackendReceivesPriorContext(t *testing.T) {
	sender := &captureSender{}
	var got []history.Turn
	backend := backendFunc(func(_ context.Context, _ string, turns []history.Turn) (string, error) {
		got = append([]history.Turn(nil), turns...)
		return "ok", nil
	})
	r, _ := newTestRouter(backend, sender)
	ctx := context.Background()

	r.Handle(ctx, transport.InboundMessage{UserID: "john", Text: "remember my name is John"})
	r.Handle(ctx, transport.InboundMessage{UserID: "john", Text: "what's my name?"})

	if len(got) != 3 {
		t.Fatalf("backend saw %d turns, want prior user+assistant plus current", len(got))
	}
	if got[0].Content != "remember my name is John" {
		t.Fatalf("backend context missing the earlier turn: %+v", got)
	}
	if got[len(got)-1].Content != "what's my name?" {
		t.Fatalf("backend context must end with the current message: %+v", got)
	}
}

func TestRunConsumesUntilStreamCloses(t *testing.T) {
	sender := &captureSender{}
	r, manager := newTestRouter(NewMockBackend(), sender)

	messages := make(chan transport.InboundMessage, 4)
	messages <- transport.InboundMessage{UserID: "u1", Text: "one"}
	messages <- transport.InboundMessage{UserID: "u2", Text: "two"}
	close(messages)

	r.Run(context.Background(), messages)

	for _, user := range []string{"u1", "u2"} {
		turns, err := manager.History(context.Background(), user, "default")
		if err != nil {
			t.Fatalf("History(%s) error = %v", user, err)
		}
		if len(turns) != 2 {
			t.Fatalf("history[%s] = %d turns, want 2", user, len(turns))
		}
	}
}

type backendFunc func(ctx context.Context, modelName string, turns []history.Turn) (string, error)

func (f backendFunc) Complete(ctx context.Context, modelName string, turns []history.Turn) (string, error) {
	return f(ctx, modelName, turns)
}
