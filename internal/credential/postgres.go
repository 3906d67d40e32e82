package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists transport credentials in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initCredentialSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool reuses an existing pool, sharing connections with
// the history store.
func NewPostgresStoreWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := initCredentialSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initCredentialSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transport_credentials (
			account_id TEXT PRIMARY KEY,
			blob BYTEA NOT NULL,
			seq BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init credential schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, accountID string) (Credential, bool, error) {
	var cred Credential
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, blob, seq, updated_at FROM transport_credentials WHERE account_id=$1`,
		accountID,
	).Scan(&cred.AccountID, &cred.Blob, &cred.Seq, &cred.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, false, nil
		}
		return Credential{}, false, fmt.Errorf("load credential: %w", err)
	}
	return cred, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, cred Credential) error {
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}
	// Last-writer-wins by sequence: a stale rotation never clobbers a newer one.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transport_credentials (account_id, blob, seq, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id) DO UPDATE SET
			blob=EXCLUDED.blob,
			seq=EXCLUDED.seq,
			updated_at=EXCLUDED.updated_at
		 WHERE transport_credentials.seq < EXCLUDED.seq`,
		cred.AccountID,
		cred.Blob,
		cred.Seq,
		cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, accountID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM transport_credentials WHERE account_id=$1`, accountID,
	); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
