package credential

import (
	"context"
	"time"
)

// Credential is the opaque authentication material for one transport account.
// Blob is rotated by the transport; Seq increases on every rotation and is
// the only tiebreaker between concurrent saves (wall clocks skew across
// restarts, sequence numbers do not).
type Credential struct {
	AccountID string    `json:"account_id"`
	Blob      []byte    `json:"blob"`
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists transport credentials. Save is an idempotent upsert keyed by
// account id; a save carrying a Seq at or below the stored one is a silent
// no-op (last-writer-wins by sequence). Delete is idempotent.
type Store interface {
	Load(ctx context.Context, accountID string) (Credential, bool, error)
	Save(ctx context.Context, cred Credential) error
	Delete(ctx context.Context, accountID string) error
	Close() error
}
