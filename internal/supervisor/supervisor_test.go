package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mcolombo/relaybot/internal/credential"
	"github.com/mcolombo/relaybot/internal/transport"
)

// flakyCredStore fails a configurable number of Loads before recovering.
type flakyCredStore struct {
	*credential.InMemoryStore
	mu        sync.Mutex
	failLoads int
}

func (s *flakyCredStore) Load(ctx context.Context, accountID string) (credential.Credential, bool, error) {
	s.mu.Lock()
	if s.failLoads > 0 {
		s.failLoads--
		s.mu.Unlock()
		return credential.Credential{}, false, errors.New("store down")
	}
	s.mu.Unlock()
	return s.InMemoryStore.Load(ctx, accountID)
}

// rejectingClient refuses a configurable number of dials outright before
// delegating to the mock.
type rejectingClient struct {
	*transport.MockClient
	mu      sync.Mutex
	rejects int
}

func (c *rejectingClient) Connect(ctx context.Context, cred *credential.Credential) (<-chan transport.Event, error) {
	c.mu.Lock()
	if c.rejects > 0 {
		c.rejects--
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (403 Forbidden)", transport.ErrDialRejected)
	}
	c.mu.Unlock()
	return c.MockClient.Connect(ctx, cred)
}

type silentNotifier struct {
	mu         sync.Mutex
	challenges []string
}

func (n *silentNotifier) PairingChallenge(challenge string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.challenges = append(n.challenges, challenge)
}

func (n *silentNotifier) StateChanged(State) {}

func (n *silentNotifier) challengeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.challenges)
}

func newTestSupervisor(client transport.Client, creds credential.Store) (*Supervisor, *silentNotifier) {
	notifier := &silentNotifier{}
	sup := New(Config{
		AccountID:   "acct",
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		SaveRetries: 1,
		SaveTimeout: time.Second,
	}, client, creds, notifier, nil)
	return sup, notifier
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}

func TestFreshPairingPersistsCredential(t *testing.T) {
	client := transport.NewMockClient("acct")
	creds := credential.NewInMemoryStore()
	sup, notifier := newTestSupervisor(client, creds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })

	if notifier.challengeCount() != 1 {
		t.Fatalf("pairing challenges = %d, want 1", notifier.challengeCount())
	}
	cred, found, err := creds.Load(context.Background(), "acct")
	if err != nil || !found {
		t.Fatalf("credential not persisted: %v, %v", found, err)
	}
	if cred.Seq != 1 {
		t.Fatalf("cred.Seq = %d, want 1", cred.Seq)
	}
	if sup.Challenge() != "" {
		t.Fatalf("challenge should clear once connected, got %q", sup.Challenge())
	}
}

func TestRecoverableDisconnectReusesCredential(t *testing.T) {
	client := transport.NewMockClient("acct")
	creds := credential.NewInMemoryStore()
	sup, notifier := newTestSupervisor(client, creds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })
	client.Drop("network_error")
	waitFor(t, time.Second, func() bool {
		return client.Connects() >= 2 && sup.State() == StateConnected
	})

	resumed := client.ResumeCreds()
	if len(resumed) < 2 {
		t.Fatalf("connects = %d, want at least 2", len(resumed))
	}
	if resumed[0] != nil {
		t.Fatalf("first connect should be a fresh pairing")
	}
	if resumed[1] == nil {
		t.Fatalf("reconnect after recoverable disconnect should reuse the stored credential")
	}
	if notifier.challengeCount() != 1 {
		t.Fatalf("pairing challenges = %d, want 1 (no re-auth on recoverable reconnect)", notifier.challengeCount())
	}
}

func TestTerminalDisconnectPurgesAndRepairs(t *testing.T) {
	client := transport.NewMockClient("acct")
	creds := credential.NewInMemoryStore()
	sup, notifier := newTestSupervisor(client, creds)

	purged := false
	var purgeMu sync.Mutex
	sup.SetPurgeHook(func() {
		purgeMu.Lock()
		purged = true
		purgeMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })
	client.Drop("logged_out")
	waitFor(t, time.Second, func() bool {
		return notifier.challengeCount() == 2 && sup.State() == StateConnected
	})

	resumed := client.ResumeCreds()
	if resumed[1] != nil {
		t.Fatalf("reconnect after terminal disconnect must not reuse the revoked credential")
	}
	cred, found, _ := creds.Load(context.Background(), "acct")
	if !found || cred.Seq != 2 {
		t.Fatalf("fresh pairing credential not persisted: found=%v seq=%d", found, cred.Seq)
	}
	purgeMu.Lock()
	defer purgeMu.Unlock()
	if !purged {
		t.Fatalf("purge hook not invoked on terminal disconnect")
	}
}

func TestSingleFlightReconnect(t *testing.T) {
	client := transport.NewMockClient("acct")
	creds := credential.NewInMemoryStore()
	sup, _ := newTestSupervisor(client, creds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })
	if client.Connects() != 1 {
		t.Fatalf("connects = %d, want 1", client.Connects())
	}

	// Two concurrent transition requests collapse into one attempt.
	sup.RequestReconnect()
	sup.RequestReconnect()

	waitFor(t, time.Second, func() bool {
		return client.Connects() == 2 && sup.State() == StateConnected
	})
	time.Sleep(20 * time.Millisecond)
	if got := client.Connects(); got != 2 {
		t.Fatalf("connects = %d after double reconnect request, want 2", got)
	}
}

func TestCredentialRotationPersistedInOrder(t *testing.T) {
	client := transport.NewMockClient("acct")
	creds := credential.NewInMemoryStore()
	sup, _ := newTestSupervisor(client, creds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })

	client.Emit(transport.Event{Type: transport.EventCredentialUpdate, Credential: &credential.Credential{
		AccountID: "acct", Blob: []byte("rot-2"), Seq: 2,
	}})
	client.Emit(transport.Event{Type: transport.EventCredentialUpdate, Credential: &credential.Credential{
		AccountID: "acct", Blob: []byte("rot-3"), Seq: 3,
	}})

	waitFor(t, time.Second, func() bool {
		cred, found, _ := creds.Load(context.Background(), "acct")
		return found && cred.Seq == 3
	})
	cred, _, _ := creds.Load(context.Background(), "acct")
	if !bytes.Equal(cred.Blob, []byte("rot-3")) {
		t.Fatalf("stored blob = %q, want latest rotation", cred.Blob)
	}
}

func TestStartupLoadFailureDoesNotDiscardSession(t *testing.T) {
	client := transport.NewMockClient("acct")
	creds := &flakyCredStore{InMemoryStore: credential.NewInMemoryStore(), failLoads: 1}
	if err := creds.InMemoryStore.Save(context.Background(), credential.Credential{
		AccountID: "acct", Blob: []byte("resume-me"), Seq: 5,
	}); err != nil {
		t.Fatalf("seed Save() error = %v", err)
	}

	notifier := &silentNotifier{}
	sup := New(Config{
		AccountID:   "acct",
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		SaveRetries: 2,
		SaveTimeout: time.Second,
	}, client, creds, notifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return sup.State() == StateConnected })

	resumed := client.ResumeCreds()
	if len(resumed) == 0 || resumed[0] == nil {
		t.Fatalf("first connect should resume the stored credential after a load retry")
	}
	if notifier.challengeCount() != 0 {
		t.Fatalf("pairing challenges = %d, want 0 (stored session must be reused)", notifier.challengeCount())
	}
}

func TestRejectedDialBacksOffAndRecovers(t *testing.T) {
	client := &rejectingClient{MockClient: transport.NewMockClient("acct"), rejects: 1}
	creds := credential.NewInMemoryStore()
	sup, _ := newTestSupervisor(client, creds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })
	if got := client.Connects(); got != 1 {
		t.Fatalf("connects = %d, want 1 (the rejected dial never reached the network)", got)
	}
}

func TestInboundMessagesForwarded(t *testing.T) {
	client := transport.NewMockClient("acct")
	creds := credential.NewInMemoryStore()
	sup, _ := newTestSupervisor(client, creds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sup.State() == StateConnected })

	client.Emit(transport.Event{Type: transport.EventMessage, Message: &transport.InboundMessage{
		ID: "m1", UserID: "u1", Text: "hello",
	}})

	select {
	case msg := <-sup.Messages():
		if msg.UserID != "u1" || msg.Text != "hello" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("inbound message not forwarded")
	}
}
