// Package transport defines the narrow contract against the external chat
// network. The supervisor consumes the event stream exclusively; everything
// else talks to the network through Send.
package transport

import (
	"context"
	"time"

	"github.com/mcolombo/relaybot/internal/credential"
)

// EventType identifies transport event variants.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventQRChallenge      EventType = "qr_challenge"
	EventCredentialUpdate EventType = "credential_update"
	EventMessage          EventType = "message"
)

// Event is one item on the stream returned by Connect. Exactly one of the
// payload fields is set depending on Type.
type Event struct {
	Type       EventType
	Reason     string                 // EventDisconnected
	Challenge  string                 // EventQRChallenge: pairing payload to render
	Credential *credential.Credential // EventCredentialUpdate
	Message    *InboundMessage        // EventMessage
}

// InboundMessage is one user message received from the network.
type InboundMessage struct {
	ID         string
	UserID     string
	Text       string
	ReceivedAt time.Time
}

// OutboundMessage is a reply to deliver to a user. Delivery is best-effort
// at-least-once; receivers must tolerate duplicates.
type OutboundMessage struct {
	UserID string
	Text   string
}

// Client is one connection to the chat network. Connect with a nil credential
// starts a fresh pairing exchange (the stream yields a QR challenge before
// connected); with a stored credential it resumes the existing session. The
// returned stream closes when the connection drops, after a final
// disconnected event.
type Client interface {
	Connect(ctx context.Context, cred *credential.Credential) (<-chan Event, error)
	Send(ctx context.Context, msg OutboundMessage) error
	Close() error
}
