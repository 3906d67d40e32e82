// Package supervisor owns the lifecycle of one logical connection to the
// chat transport: connect, classify disconnects, reconnect or re-pair. All
// state lives inside a single control loop; other components only request
// transitions through message passing.
package supervisor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcolombo/relaybot/internal/credential"
	"github.com/mcolombo/relaybot/internal/observability"
	"github.com/mcolombo/relaybot/internal/reliability"
	"github.com/mcolombo/relaybot/internal/transport"
)

// State is the supervisor's connection state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
)

// Notifier is the fire-and-forget presentation collaborator: pairing codes to
// render, state changes to surface. Failures here never affect the loop.
type Notifier interface {
	PairingChallenge(challenge string)
	StateChanged(state State)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) PairingChallenge(challenge string) {
	log.Printf("pairing required, scan code: %s", challenge)
}

func (LogNotifier) StateChanged(state State) {
	log.Printf("connection state: %s", state)
}

// Config controls reconnect and persistence behavior.
type Config struct {
	AccountID   string
	BackoffBase time.Duration
	BackoffCap  time.Duration
	SaveRetries int
	SaveTimeout time.Duration
}

// rejectedBackoffAttempt pushes the next wait to the backoff cap when the
// server refuses the handshake outright.
const rejectedBackoffAttempt = 30

type commandKind int

const (
	cmdReconnect commandKind = iota
	cmdLogout
)

// Supervisor keeps exactly one live logical session against the transport.
type Supervisor struct {
	id       string
	cfg      Config
	client   transport.Client
	creds    credential.Store
	notifier Notifier
	metrics  *observability.Metrics

	// cmds has capacity 1: a transition request while one is already queued
	// is dropped, which is the single-flight guard for this logical
	// connection.
	cmds     chan commandKind
	messages chan transport.InboundMessage

	mu        sync.RWMutex
	state     State
	challenge string
	lastCred  *credential.Credential
	purgeHook func()
}

func New(cfg Config, client transport.Client, creds credential.Store, notifier Notifier, metrics *observability.Metrics) *Supervisor {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.SaveRetries <= 0 {
		cfg.SaveRetries = 3
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 5 * time.Second
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Supervisor{
		id:       uuid.NewString(),
		cfg:      cfg,
		client:   client,
		creds:    creds,
		notifier: notifier,
		metrics:  metrics,
		cmds:     make(chan commandKind, 1),
		messages: make(chan transport.InboundMessage, 256),
		state:    StateDisconnected,
	}
}

// ID returns the logical connection id, stable across reconnects.
func (s *Supervisor) ID() string { return s.id }

// Messages is the inbound message stream consumed by the router.
func (s *Supervisor) Messages() <-chan transport.InboundMessage { return s.messages }

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Challenge returns the pairing code while authenticating, empty otherwise.
func (s *Supervisor) Challenge() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.challenge
}

// SetPurgeHook registers a callback invoked after a terminal logout purges
// credentials, so session-scoped state elsewhere can be dropped too.
func (s *Supervisor) SetPurgeHook(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeHook = hook
}

// RequestReconnect asks the control loop to drop and re-establish the
// connection. Non-blocking; a request already in flight absorbs this one.
func (s *Supervisor) RequestReconnect() {
	select {
	case s.cmds <- cmdReconnect:
	default:
	}
}

// RequestLogout asks the control loop to treat the session as revoked: purge
// credentials and start a fresh pairing.
func (s *Supervisor) RequestLogout() {
	select {
	case s.cmds <- cmdLogout:
	default:
	}
}

// Send delivers a reply through the current connection.
func (s *Supervisor) Send(ctx context.Context, msg transport.OutboundMessage) error {
	return s.client.Send(ctx, msg)
}

// Run is the control loop. It owns all state transitions and returns only
// when ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.messages)
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			s.setState(StateDisconnected)
			return err
		}

		s.setState(StateConnecting)
		cred := s.currentCred(ctx)
		if cred == nil {
			// No stored credential: the connect will run a pairing exchange.
			s.setState(StateAuthenticating)
		}

		stream, err := s.client.Connect(ctx, cred)
		if err != nil {
			attempt++
			log.Printf("connect attempt %d failed: %v", attempt, err)
			if errors.Is(err, transport.ErrDialRejected) {
				// An outright handshake rejection is not a blip; wait the
				// full cap before probing again.
				attempt = rejectedBackoffAttempt
			}
			s.waitBackoff(ctx, attempt)
			continue
		}

		reason, sawConnected := s.consume(ctx, stream)
		if sawConnected {
			attempt = 0
		}
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}

		s.setState(StateDisconnected)
		switch reliability.Classify(reason) {
		case reliability.ClassTerminal:
			if s.metrics != nil {
				s.metrics.Reconnects.WithLabelValues("terminal").Inc()
			}
			log.Printf("session revoked (%s), purging credentials", reason)
			s.purgeCredentials(ctx)
			attempt = 0
		default:
			if s.metrics != nil {
				s.metrics.Reconnects.WithLabelValues("recoverable").Inc()
			}
			attempt++
			s.waitBackoff(ctx, attempt)
		}
	}
}

// consume drains one connection's event stream until it closes, returning
// the final disconnect reason and whether the connection reached Connected.
func (s *Supervisor) consume(ctx context.Context, stream <-chan transport.Event) (string, bool) {
	reason := "connection_error"
	sawConnected := false
	for {
		select {
		case <-ctx.Done():
			_ = s.client.Close()
			return reason, sawConnected
		case cmd, ok := <-s.cmds:
			if !ok {
				return reason, sawConnected
			}
			switch cmd {
			case cmdLogout:
				_ = s.client.Close()
				s.drain(stream)
				return "logged_out", sawConnected
			case cmdReconnect:
				_ = s.client.Close()
				s.drain(stream)
				return "reconnect_requested", sawConnected
			}
		case ev, ok := <-stream:
			if !ok {
				return reason, sawConnected
			}
			switch ev.Type {
			case transport.EventQRChallenge:
				s.setChallenge(ev.Challenge)
				s.setState(StateAuthenticating)
				s.notify(func(n Notifier) { n.PairingChallenge(ev.Challenge) })
			case transport.EventCredentialUpdate:
				// Persist before moving on so a crash between ack and save
				// cannot lose a fresh rotation.
				s.storeCredential(ctx, ev.Credential)
			case transport.EventConnected:
				sawConnected = true
				s.setChallenge("")
				s.setState(StateConnected)
			case transport.EventMessage:
				if ev.Message == nil {
					continue
				}
				select {
				case s.messages <- *ev.Message:
				default:
					// Router workers are saturated; dropping keeps the
					// control loop responsive and the sender will retry.
					log.Printf("inbound queue full, dropping message from %s", ev.Message.UserID)
					if s.metrics != nil {
						s.metrics.MessagesHandled.WithLabelValues("dropped").Inc()
					}
				}
			case transport.EventDisconnected:
				if ev.Reason != "" {
					reason = ev.Reason
				}
			}
		}
	}
}

func (s *Supervisor) drain(stream <-chan transport.Event) {
	for range stream {
	}
}

// currentCred prefers the freshest in-memory rotation over the stored one so
// a persistence gap never forces a stale resume. A load failure is retried
// before falling back to pairing: treating a transient store error as "no
// credential" would discard a resumable session and get the old credential
// revoked by the transport.
func (s *Supervisor) currentCred(ctx context.Context) *credential.Credential {
	s.mu.RLock()
	cached := s.lastCred
	s.mu.RUnlock()
	if cached != nil {
		return cached
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.SaveRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reliability.ExponentialBackoff(attempt, 100*time.Millisecond, 2*time.Second)):
			}
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.SaveTimeout)
		cred, found, err := s.creds.Load(cctx, s.cfg.AccountID)
		cancel()
		if err == nil {
			if !found {
				return nil
			}
			s.mu.Lock()
			s.lastCred = &cred
			s.mu.Unlock()
			return &cred
		}
		lastErr = err
	}
	log.Printf("credential load failed after %d attempts, falling back to pairing: %v", s.cfg.SaveRetries, lastErr)
	return nil
}

func (s *Supervisor) storeCredential(ctx context.Context, cred *credential.Credential) {
	if cred == nil {
		return
	}
	s.mu.Lock()
	s.lastCred = cred
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < s.cfg.SaveRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reliability.ExponentialBackoff(attempt, 100*time.Millisecond, 2*time.Second)):
			}
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.SaveTimeout)
		err := s.creds.Save(cctx, *cred)
		cancel()
		if err == nil {
			if s.metrics != nil {
				s.metrics.CredentialSaves.WithLabelValues("ok").Inc()
			}
			return
		}
		lastErr = err
	}
	// Losing the live session is worse than a persistence gap: keep running
	// on the in-memory copy and let the next successful save reconcile.
	if s.metrics != nil {
		s.metrics.CredentialSaves.WithLabelValues("failed").Inc()
	}
	log.Printf("credential save failed after %d attempts: %v", s.cfg.SaveRetries, lastErr)
}

func (s *Supervisor) purgeCredentials(ctx context.Context) {
	s.mu.Lock()
	s.lastCred = nil
	hook := s.purgeHook
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.SaveTimeout)
	defer cancel()
	if err := s.creds.Delete(cctx, s.cfg.AccountID); err != nil {
		log.Printf("credential purge failed: %v", err)
	}
	if hook != nil {
		hook()
	}
}

// waitBackoff sleeps for the jittered backoff, cutting the wait short when a
// logout request arrives so a revoked session is purged without delay.
func (s *Supervisor) waitBackoff(ctx context.Context, attempt int) bool {
	wait := reliability.BackoffWithJitter(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap)
	select {
	case <-ctx.Done():
		return false
	case cmd := <-s.cmds:
		if cmd == cmdLogout {
			s.purgeCredentials(ctx)
		}
		return false
	case <-time.After(wait):
		return true
	}
}

func (s *Supervisor) setChallenge(challenge string) {
	s.mu.Lock()
	s.challenge = challenge
	s.mu.Unlock()
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if !changed {
		return
	}
	if s.metrics != nil {
		s.metrics.ConnectionState.Set(stateValue(state))
		s.metrics.ConnectionEvents.WithLabelValues(string(state)).Inc()
	}
	s.notify(func(n Notifier) { n.StateChanged(state) })
}

// notify shields the control loop from a misbehaving presentation sink.
func (s *Supervisor) notify(fn func(Notifier)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("notifier panic: %v", r)
		}
	}()
	fn(s.notifier)
}

func stateValue(state State) float64 {
	switch state {
	case StateConnecting:
		return 1
	case StateAuthenticating:
		return 2
	case StateConnected:
		return 3
	default:
		return 0
	}
}
