// Package router dispatches inbound transport messages: pick a model from
// the message prefix, assemble history, call the AI backend and record both
// turns. It runs a bounded worker pool so transport consumption never blocks
// on store or backend I/O.
package router

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/mcolombo/relaybot/internal/history"
	"github.com/mcolombo/relaybot/internal/observability"
	"github.com/mcolombo/relaybot/internal/transport"
)

// Sender delivers replies back through the supervised connection.
type Sender interface {
	Send(ctx context.Context, msg transport.OutboundMessage) error
}

// Config controls dispatch behavior.
type Config struct {
	Workers      int
	DefaultModel string
	// Models maps a command prefix (without '!') to a backend model name.
	Models map[string]string
}

// Router consumes inbound messages and produces replies.
type Router struct {
	cfg     Config
	manager *history.Manager
	backend Backend
	sender  Sender
	metrics *observability.Metrics
}

func New(cfg Config, manager *history.Manager, backend Backend, sender Sender, metrics *observability.Metrics) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = "default"
	}
	return &Router{
		cfg:     cfg,
		manager: manager,
		backend: backend,
		sender:  sender,
		metrics: metrics,
	}
}

// Run consumes the message stream with cfg.Workers goroutines until the
// stream closes or ctx is cancelled.
func (r *Router) Run(ctx context.Context, messages <-chan transport.InboundMessage) {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-messages:
					if !ok {
						return
					}
					r.Handle(ctx, msg)
				}
			}
		}()
	}
	wg.Wait()
}

// Handle processes one inbound message end to end.
func (r *Router) Handle(ctx context.Context, msg transport.InboundMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || strings.TrimSpace(msg.UserID) == "" {
		r.count("ignored")
		return
	}

	modelName, body, isReset := r.parse(text)
	if isReset {
		if err := r.manager.Reset(ctx, msg.UserID, modelName); err != nil {
			log.Printf("reset for %s/%s failed: %v", msg.UserID, modelName, err)
			r.reply(ctx, msg.UserID, "Could not reset the conversation, try again later.")
			r.count("error")
			return
		}
		r.reply(ctx, msg.UserID, "Conversation reset.")
		r.count("reset")
		return
	}

	turns, err := r.manager.History(ctx, msg.UserID, modelName)
	if err != nil {
		// Degrade to a stateless turn rather than dropping the message.
		log.Printf("history for %s/%s unavailable: %v", msg.UserID, modelName, err)
		turns = nil
	}

	userTurn := history.Turn{Role: history.RoleUser, Content: body, Timestamp: msg.ReceivedAt}
	turns = append(turns, userTurn)

	// The inbound turn is recorded regardless of what the backend does: no
	// silent loss even when the reply fails.
	if err := r.manager.Append(ctx, msg.UserID, modelName, userTurn); err != nil {
		if errors.Is(err, history.ErrStoreUnavailable) {
			log.Printf("append user turn for %s/%s not yet durable: %v", msg.UserID, modelName, err)
		} else {
			log.Printf("append user turn for %s/%s failed: %v", msg.UserID, modelName, err)
		}
	}

	replyText, err := r.backend.Complete(ctx, modelName, turns)
	if err != nil {
		log.Printf("backend %s failed for %s: %v", modelName, msg.UserID, err)
		r.reply(ctx, msg.UserID, "The model is unavailable right now, your message was saved.")
		r.count("backend_error")
		return
	}

	assistantTurn := history.Turn{Role: history.RoleAssistant, Content: replyText}
	if err := r.manager.Append(ctx, msg.UserID, modelName, assistantTurn); err != nil {
		log.Printf("append assistant turn for %s/%s failed: %v", msg.UserID, modelName, err)
	}

	r.reply(ctx, msg.UserID, replyText)
	r.count("ok")
}

// parse extracts the target model from a "!model" prefix. "!reset" resets
// the default model's conversation; "!reset model" resets that model's.
func (r *Router) parse(text string) (modelName, body string, isReset bool) {
	if !strings.HasPrefix(text, "!") {
		return r.cfg.DefaultModel, text, false
	}
	cmd := text[1:]
	rest := ""
	if idx := strings.IndexAny(cmd, " \t"); idx >= 0 {
		rest = strings.TrimSpace(cmd[idx:])
		cmd = cmd[:idx]
	}
	cmd = strings.ToLower(strings.TrimSpace(cmd))

	if cmd == "reset" {
		model := r.cfg.DefaultModel
		if rest != "" {
			if mapped, ok := r.cfg.Models[strings.ToLower(rest)]; ok {
				model = mapped
			} else {
				model = rest
			}
		}
		return model, "", true
	}
	if mapped, ok := r.cfg.Models[cmd]; ok {
		return mapped, rest, false
	}
	// Unknown prefix: treat the whole text as a message to the default model.
	return r.cfg.DefaultModel, text, false
}

func (r *Router) reply(ctx context.Context, userID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := r.sender.Send(ctx, transport.OutboundMessage{UserID: userID, Text: text}); err != nil {
		log.Printf("send to %s failed: %v", userID, err)
	}
}

func (r *Router) count(result string) {
	if r.metrics != nil {
		r.metrics.MessagesHandled.WithLabelValues(result).Inc()
	}
}
