package history

import (
	"context"
	"strings"
	"time"
)

// Store is the durable system of record for conversations. Put is an atomic
// single-record upsert; Delete is idempotent; ScanExpired returns the keys of
// records whose LastUpdated is strictly before the cutoff. DeleteExpired
// re-checks that condition at removal time, so a record refreshed after the
// scan survives the sweep.
type Store interface {
	Get(ctx context.Context, userID, modelName string) (Record, bool, error)
	Put(ctx context.Context, record Record) error
	Delete(ctx context.Context, userID, modelName string) error
	ScanExpired(ctx context.Context, cutoff time.Time) ([]Key, error)
	DeleteExpired(ctx context.Context, userID, modelName string, cutoff time.Time) (bool, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
