package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcolombo/relaybot/internal/observability"
	"github.com/mcolombo/relaybot/internal/reliability"
)

// ErrStoreUnavailable reports a durable write that failed after the retry
// budget. The in-memory copy stays visible and is flagged for a later flush.
var ErrStoreUnavailable = errors.New("history store unavailable")

// Config controls retention and caching for the context manager.
type Config struct {
	Enabled      bool
	MaxMessages  int
	CleanupDays  int
	CacheSize    int
	StoreTimeout time.Duration
	StoreRetries int
}

// Manager is the public conversation-context API: read the active window,
// append turns write-through, reset, and sweep expired records. Appends for
// one (userID, modelName) key are serialized by a per-key lock; different
// keys proceed independently.
type Manager struct {
	cfg     Config
	store   Store
	cache   *Cache
	metrics *observability.Metrics

	locksMu sync.Mutex
	locks   map[Key]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[Key]pendingEntry
}

// pendingEntry is a record awaiting a durable write. unseeded marks a record
// built while the durable copy was unreadable; its turns must be merged
// behind the stored ones before it can be written back.
type pendingEntry struct {
	rec      Record
	unseeded bool
}

func NewManager(cfg Config, store Store, metrics *observability.Metrics) *Manager {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 40
	}
	if cfg.CleanupDays <= 0 {
		cfg.CleanupDays = 30
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.StoreRetries < 0 {
		cfg.StoreRetries = 3
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		cache:   NewCache(cfg.CacheSize),
		metrics: metrics,
		locks:   make(map[Key]*sync.Mutex),
		pending: make(map[Key]pendingEntry),
	}
}

func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// History returns the active window for a conversation. A cache miss falls
// back to the store and repopulates the cache; an absent conversation is an
// empty slice, never an error.
func (m *Manager) History(ctx context.Context, userID, modelName string) ([]Turn, error) {
	if !m.cfg.Enabled {
		return nil, nil
	}
	key := Key{UserID: userID, ModelName: modelName}
	if rec, ok := m.cache.Get(key); ok {
		if m.metrics != nil {
			m.metrics.CacheHits.Inc()
		}
		return rec.Turns, nil
	}
	if m.metrics != nil {
		m.metrics.CacheMisses.Inc()
	}

	// A pending record holds turns the store has not accepted yet; it is
	// newer than whatever the store would return.
	if entry, ok := m.lookupPending(key); ok {
		m.cache.Put(key, entry.rec)
		return entry.rec.Turns, nil
	}

	cctx, cancel := m.storeCtx(ctx)
	defer cancel()
	rec, found, err := m.store.Get(cctx, userID, modelName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !found {
		rec = Record{UserID: userID, ModelName: modelName}
	}
	m.cache.Put(key, rec)
	return rec.Turns, nil
}

// Append adds a turn, trims the oldest turns beyond MaxMessages and writes
// through to the store. When the durable write fails after retries the
// in-memory record stays visible to reads in this process and is flagged for
// the background flusher; the caller sees ErrStoreUnavailable. The same
// applies when the durable copy cannot be read on a cache miss: the turn is
// held and merged behind the stored ones at flush time, never written over
// them.
func (m *Manager) Append(ctx context.Context, userID, modelName string, turn Turn) error {
	if !m.cfg.Enabled {
		return nil
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	key := Key{UserID: userID, ModelName: modelName}
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	seeded := true
	rec, ok := m.cache.Get(key)
	if ok {
		// A cached record can still sit on top of unread durable state.
		seeded = !m.isUnseeded(key)
	} else if entry, pok := m.lookupPending(key); pok {
		rec = entry.rec
		seeded = !entry.unseeded
	} else {
		stored, found, err := m.getWithRetry(ctx, userID, modelName)
		switch {
		case err != nil:
			// The durable copy is unreadable. Writing through a record
			// built from scratch would overwrite it, so hold the turn for
			// the flusher to merge behind the stored ones.
			seeded = false
		case found:
			rec = stored
		}
	}
	if rec.UserID == "" {
		rec.UserID = userID
		rec.ModelName = modelName
	}
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = turn.Timestamp
	}
	rec.Turns = append(rec.Turns, turn)
	if over := len(rec.Turns) - m.cfg.MaxMessages; over > 0 {
		rec.Turns = cloneTurns(rec.Turns[over:])
	}
	rec.LastUpdated = turn.Timestamp

	m.cache.Put(key, rec)
	if m.metrics != nil {
		m.metrics.TurnsAppended.Inc()
	}

	if !seeded {
		m.markPending(rec, true)
		if m.metrics != nil {
			m.metrics.AppendFailures.Inc()
		}
		return fmt.Errorf("%w: durable copy unread", ErrStoreUnavailable)
	}
	if err := m.saveWithRetry(ctx, rec); err != nil {
		m.markPending(rec, false)
		if m.metrics != nil {
			m.metrics.AppendFailures.Inc()
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	m.clearPending(key)
	return nil
}

// Reset deletes both the cache entry and the durable record. Idempotent.
func (m *Manager) Reset(ctx context.Context, userID, modelName string) error {
	key := Key{UserID: userID, ModelName: modelName}
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.cache.Delete(key)
	m.clearPending(key)

	cctx, cancel := m.storeCtx(ctx)
	defer cancel()
	if err := m.store.Delete(cctx, userID, modelName); err != nil {
		return fmt.Errorf("reset conversation: %w", err)
	}
	return nil
}

// RunCleanup removes records whose LastUpdated is older than CleanupDays
// before now. Each removal is individually atomic under that key's lock and
// re-checks eligibility at delete time, so a record refreshed between the
// scan and its delete survives the sweep. Records with a pending flush are
// skipped: their real LastUpdated is newer than the store row.
func (m *Manager) RunCleanup(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -m.cfg.CleanupDays)

	cctx, cancel := m.storeCtx(ctx)
	keys, err := m.store.ScanExpired(cctx, cutoff)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("cleanup scan: %w", err)
	}

	removed := 0
	var lastErr error
	for _, key := range keys {
		lock := m.keyLock(key)
		lock.Lock()
		if m.isPending(key) {
			lock.Unlock()
			continue
		}
		dctx, dcancel := m.storeCtx(ctx)
		deleted, err := m.store.DeleteExpired(dctx, key.UserID, key.ModelName, cutoff)
		dcancel()
		if err != nil {
			lastErr = err
			lock.Unlock()
			continue
		}
		if deleted {
			m.cache.Delete(key)
			removed++
		}
		lock.Unlock()
	}
	if m.metrics != nil && removed > 0 {
		m.metrics.CleanupRemoved.Add(float64(removed))
	}
	return removed, lastErr
}

// StartCleanup runs RunCleanup on a fixed interval until ctx is cancelled.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = m.RunCleanup(ctx, time.Now().UTC())
			}
		}
	}()
}

// StartFlusher retries pending durable writes on a fixed interval.
func (m *Manager) StartFlusher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = m.FlushPending(ctx)
			}
		}
	}()
}

// FlushPending retries every record flagged not-yet-durable and returns how
// many flushed.
func (m *Manager) FlushPending(ctx context.Context) (int, error) {
	m.pendingMu.Lock()
	keys := make([]Key, 0, len(m.pending))
	for key := range m.pending {
		keys = append(keys, key)
	}
	m.pendingMu.Unlock()

	flushed := 0
	var lastErr error
	for _, key := range keys {
		lock := m.keyLock(key)
		lock.Lock()
		entry, ok := m.lookupPending(key)
		if !ok {
			lock.Unlock()
			continue
		}
		rec := entry.rec
		if entry.unseeded {
			// The record was built without the durable turns; read them now
			// and slot the held turns in behind.
			gctx, gcancel := m.storeCtx(ctx)
			stored, found, err := m.store.Get(gctx, key.UserID, key.ModelName)
			gcancel()
			if err != nil {
				lastErr = err
				lock.Unlock()
				continue
			}
			if found {
				rec = mergeRecords(stored, rec, m.cfg.MaxMessages)
			}
		}
		cctx, cancel := m.storeCtx(ctx)
		err := m.store.Put(cctx, rec)
		cancel()
		if err != nil {
			lastErr = err
			lock.Unlock()
			continue
		}
		m.cache.Put(key, rec)
		m.clearPending(key)
		flushed++
		lock.Unlock()
	}
	return flushed, lastErr
}

// mergeRecords prepends the durable turns that were unreadable when the
// pending record was built, then trims to the retention window.
func mergeRecords(stored, pending Record, maxMessages int) Record {
	merged := pending
	merged.Turns = append(cloneTurns(stored.Turns), pending.Turns...)
	if over := len(merged.Turns) - maxMessages; over > 0 {
		merged.Turns = merged.Turns[over:]
	}
	if !stored.FirstSeen.IsZero() && stored.FirstSeen.Before(pending.FirstSeen) {
		merged.FirstSeen = stored.FirstSeen
	}
	return merged
}

// PendingCount reports how many conversations await a durable flush.
func (m *Manager) PendingCount() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

func (m *Manager) keyLock(key Key) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

func (m *Manager) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

func (m *Manager) getWithRetry(ctx context.Context, userID, modelName string) (Record, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Record{}, false, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt, 50*time.Millisecond, time.Second)):
			}
		}
		cctx, cancel := m.storeCtx(ctx)
		rec, found, err := m.store.Get(cctx, userID, modelName)
		cancel()
		if err == nil {
			return rec, found, nil
		}
		lastErr = err
	}
	return Record{}, false, lastErr
}

func (m *Manager) saveWithRetry(ctx context.Context, rec Record) error {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt, 50*time.Millisecond, time.Second)):
			}
		}
		cctx, cancel := m.storeCtx(ctx)
		err := m.store.Put(cctx, rec)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (m *Manager) markPending(rec Record, unseeded bool) {
	m.pendingMu.Lock()
	m.pending[rec.key()] = pendingEntry{rec: cloneRecord(rec), unseeded: unseeded}
	size := len(m.pending)
	m.pendingMu.Unlock()
	if m.metrics != nil {
		m.metrics.PendingFlush.Set(float64(size))
	}
}

func (m *Manager) clearPending(key Key) {
	m.pendingMu.Lock()
	delete(m.pending, key)
	size := len(m.pending)
	m.pendingMu.Unlock()
	if m.metrics != nil {
		m.metrics.PendingFlush.Set(float64(size))
	}
}

func (m *Manager) lookupPending(key Key) (pendingEntry, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	entry, ok := m.pending[key]
	if !ok {
		return pendingEntry{}, false
	}
	entry.rec = cloneRecord(entry.rec)
	return entry, true
}

func (m *Manager) isPending(key Key) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	_, ok := m.pending[key]
	return ok
}

func (m *Manager) isUnseeded(key Key) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	entry, ok := m.pending[key]
	return ok && entry.unseeded
}
