package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mcolombo/relaybot/internal/credential"
	"github.com/mcolombo/relaybot/internal/reliability"
)

// ErrDialRejected reports a handshake the server refused outright (an auth or
// routing problem rather than a transient fault); retrying only makes sense
// at the slowest cadence.
var ErrDialRejected = errors.New("transport dial rejected")

const (
	wsHandshakeTimeout = 4 * time.Second
	wsWriteTimeout     = 3 * time.Second
	wsEventBuffer      = 256
)

// WSClient speaks the chat network's websocket framing: a challenge event on
// connect, a resume or pairing exchange, then a bidirectional frame stream.
type WSClient struct {
	wsURL     string
	accountID string
	dialer    websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

type wireFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type challengePayload struct {
	Nonce string `json:"nonce"`
}

type resumeParams struct {
	AccountID string `json:"accountId"`
	Blob      []byte `json:"blob"`
	Seq       int64  `json:"seq"`
	Nonce     string `json:"nonce"`
}

type pairParams struct {
	AccountID string `json:"accountId"`
	Nonce     string `json:"nonce"`
}

type pairChallengePayload struct {
	Code string `json:"code"`
}

type credentialPayload struct {
	AccountID string `json:"accountId"`
	Blob      []byte `json:"blob"`
	Seq       int64  `json:"seq"`
}

type messagePayload struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Text string `json:"text"`
	TSMs int64  `json:"tsMs"`
}

type disconnectPayload struct {
	Reason string `json:"reason"`
}

type sendParams struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func NewWSClient(rawURL, accountID string) (*WSClient, error) {
	wsURL, err := normalizeTransportURL(rawURL)
	if err != nil {
		return nil, err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("transport account id is required")
	}
	return &WSClient{
		wsURL:     wsURL,
		accountID: accountID,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsHandshakeTimeout,
		},
	}, nil
}

func normalizeTransportURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("transport url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse TRANSPORT_URL: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported transport url scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Connect dials the network, runs the handshake and returns the event stream.
// With a nil credential the stream opens with a qr_challenge event and the
// handshake completes only after the user approves pairing on their device;
// the loop therefore never blocks here beyond the dial itself.
func (c *WSClient) Connect(ctx context.Context, cred *credential.Credential) (<-chan Event, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		if resp != nil {
			if resp.StatusCode >= 400 && !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return nil, fmt.Errorf("%w (%s)", ErrDialRejected, resp.Status)
			}
			return nil, fmt.Errorf("transport dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("transport dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	frames := newFrameReader(conn)
	nonce, err := frames.readChallenge(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	out := make(chan Event, wsEventBuffer)

	if cred != nil {
		if err := c.resume(ctx, conn, frames, cred, nonce); err != nil {
			_ = conn.Close()
			return nil, err
		}
		out <- Event{Type: EventConnected}
	} else {
		// Fresh pairing: request a code, surface it, let the event loop pick
		// up "paired" asynchronously.
		req := wireFrame{Type: "req", ID: uuid.NewString(), Method: "pair"}
		req.Payload = mustJSON(pairParams{AccountID: c.accountID, Nonce: nonce})
		if err := c.writeFrame(conn, req); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("transport pair request: %w", err)
		}
	}

	go c.eventLoop(conn, frames, out)
	return out, nil
}

func (c *WSClient) resume(ctx context.Context, conn *websocket.Conn, frames *frameReader, cred *credential.Credential, nonce string) error {
	reqID := uuid.NewString()
	req := wireFrame{Type: "req", ID: reqID, Method: "resume"}
	req.Payload = mustJSON(resumeParams{
		AccountID: cred.AccountID,
		Blob:      cred.Blob,
		Seq:       cred.Seq,
		Nonce:     nonce,
	})
	if err := c.writeFrame(conn, req); err != nil {
		return fmt.Errorf("transport resume request: %w", err)
	}
	return frames.waitForResponseOK(ctx, reqID)
}

// eventLoop translates wire frames into Events until the connection drops,
// then emits a final disconnected event and closes the stream.
func (c *WSClient) eventLoop(conn *websocket.Conn, frames *frameReader, out chan<- Event) {
	defer close(out)
	ctx := context.Background()
	reason := "connection_error"

	for {
		frame, err := frames.nextFrame(ctx)
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && strings.TrimSpace(closeErr.Text) != "" {
				reason = closeErr.Text
			}
			out <- Event{Type: EventDisconnected, Reason: reason}
			return
		}
		if frame.Type != "event" {
			continue
		}
		switch frame.Event {
		case "pair.challenge":
			var p pairChallengePayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil || strings.TrimSpace(p.Code) == "" {
				continue
			}
			out <- Event{Type: EventQRChallenge, Challenge: p.Code}
		case "paired", "credential":
			var p credentialPayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil {
				continue
			}
			cred := &credential.Credential{
				AccountID: p.AccountID,
				Blob:      p.Blob,
				Seq:       p.Seq,
				UpdatedAt: time.Now().UTC(),
			}
			out <- Event{Type: EventCredentialUpdate, Credential: cred}
			if frame.Event == "paired" {
				out <- Event{Type: EventConnected}
			}
		case "message":
			var p messagePayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil {
				continue
			}
			out <- Event{Type: EventMessage, Message: &InboundMessage{
				ID:         p.ID,
				UserID:     p.From,
				Text:       p.Text,
				ReceivedAt: time.UnixMilli(p.TSMs).UTC(),
			}}
		case "disconnect":
			var p disconnectPayload
			if err := json.Unmarshal(frame.Payload, &p); err == nil && strings.TrimSpace(p.Reason) != "" {
				reason = p.Reason
			}
		}
	}
}

func (c *WSClient) Send(ctx context.Context, msg OutboundMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("transport is not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := wireFrame{Type: "req", ID: uuid.NewString(), Method: "send"}
	frame.Payload = mustJSON(sendParams{To: msg.UserID, Text: msg.Text})
	if err := c.writeFrame(conn, frame); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

func (c *WSClient) writeFrame(conn *websocket.Conn, frame wireFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(frame)
}

// Close drops the current connection. The client stays usable: a later
// Connect establishes a new one.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// frameReader pumps websocket messages on a goroutine so frame reads can
// honor context cancellation.
type frameReader struct {
	msgs chan []byte
	errs chan error
}

func newFrameReader(conn *websocket.Conn) *frameReader {
	fr := &frameReader{
		msgs: make(chan []byte, wsEventBuffer),
		errs: make(chan error, 1),
	}
	go func() {
		defer close(fr.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				fr.errs <- err
				return
			}
			fr.msgs <- data
		}
	}()
	return fr
}

func (fr *frameReader) nextFrame(ctx context.Context) (wireFrame, error) {
	select {
	case <-ctx.Done():
		return wireFrame{}, ctx.Err()
	case err := <-fr.errs:
		if err == nil {
			err = errors.New("transport connection closed")
		}
		return wireFrame{}, err
	case data, ok := <-fr.msgs:
		if !ok {
			select {
			case err := <-fr.errs:
				if err != nil {
					return wireFrame{}, err
				}
			default:
			}
			return wireFrame{}, errors.New("transport connection closed")
		}
		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return wireFrame{}, fmt.Errorf("transport frame parse: %w", err)
		}
		return frame, nil
	}
}

func (fr *frameReader) readChallenge(ctx context.Context) (string, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if time.Now().After(deadline) {
			return "", errors.New("transport challenge timeout")
		}
		frame, err := fr.nextFrame(ctx)
		if err != nil {
			return "", err
		}
		if frame.Type != "event" || frame.Event != "challenge" {
			continue
		}
		var payload challengePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			continue
		}
		nonce := strings.TrimSpace(payload.Nonce)
		if nonce == "" {
			continue
		}
		return nonce, nil
	}
}

func (fr *frameReader) waitForResponseOK(ctx context.Context, id string) error {
	deadline := time.Now().Add(6 * time.Second)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("transport response timeout (id=%s)", id)
		}
		frame, err := fr.nextFrame(ctx)
		if err != nil {
			return err
		}
		if frame.Type != "res" || frame.ID != id {
			continue
		}
		if frame.OK {
			return nil
		}
		msg := "transport request failed"
		if frame.Error != nil {
			if strings.TrimSpace(frame.Error.Message) != "" {
				msg = frame.Error.Message
			} else if strings.TrimSpace(frame.Error.Code) != "" {
				msg = frame.Error.Code
			}
		}
		return errors.New(msg)
	}
}
