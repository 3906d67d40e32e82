package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcolombo/relaybot/internal/credential"
)

// MockClient simulates the chat network for tests and local dev. Connecting
// without a credential runs a scripted pairing exchange; connecting with one
// resumes directly. Tests drive inbound traffic with Emit and Drop.
type MockClient struct {
	accountID string

	mu       sync.Mutex
	seq      int64
	stream   chan Event
	sent     []OutboundMessage
	resumed  []*credential.Credential
	connects int

	// ConnectDelay stalls Connect to widen race windows in tests.
	ConnectDelay time.Duration
	// FailConnects makes the first N Connect calls fail.
	FailConnects int
}

func NewMockClient(accountID string) *MockClient {
	return &MockClient{accountID: accountID}
}

func (c *MockClient) Connect(ctx context.Context, cred *credential.Credential) (<-chan Event, error) {
	if c.ConnectDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.ConnectDelay):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.FailConnects > 0 {
		c.FailConnects--
		return nil, context.DeadlineExceeded
	}

	stream := make(chan Event, 32)
	c.stream = stream
	c.resumed = append(c.resumed, cred)

	if cred == nil {
		c.seq++
		fresh := &credential.Credential{
			AccountID: c.accountID,
			Blob:      []byte(uuid.NewString()),
			Seq:       c.seq,
			UpdatedAt: time.Now().UTC(),
		}
		stream <- Event{Type: EventQRChallenge, Challenge: "pair-" + uuid.NewString()[:8]}
		stream <- Event{Type: EventCredentialUpdate, Credential: fresh}
	}
	stream <- Event{Type: EventConnected}
	return stream, nil
}

func (c *MockClient) Send(_ context.Context, msg OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

// Close drops the current stream so consumers waiting on it unblock.
func (c *MockClient) Close() error {
	c.Drop("closed")
	return nil
}

// Emit injects an event into the currently open stream.
func (c *MockClient) Emit(ev Event) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream != nil {
		stream <- ev
	}
}

// Drop ends the current connection with the given disconnect reason.
func (c *MockClient) Drop(reason string) {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()
	if stream != nil {
		stream <- Event{Type: EventDisconnected, Reason: reason}
		close(stream)
	}
}

// Sent returns a copy of all outbound messages delivered so far.
func (c *MockClient) Sent() []OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]OutboundMessage(nil), c.sent...)
}

// Connects reports how many Connect calls were made.
func (c *MockClient) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// ResumeCreds returns the credential passed to each Connect call (nil for a
// fresh pairing).
func (c *MockClient) ResumeCreds() []*credential.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*credential.Credential(nil), c.resumed...)
}
