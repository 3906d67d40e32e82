package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversations in PostgreSQL. Turns are stored as a
// JSONB column since the record is always read and written whole.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initConversationSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool so the credential store can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func initConversationSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			user_id TEXT NOT NULL,
			model_name TEXT NOT NULL,
			turns JSONB NOT NULL DEFAULT '[]',
			first_seen TIMESTAMPTZ NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, model_name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_updated ON conversations (last_updated);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init conversation schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, modelName string) (Record, bool, error) {
	var (
		rec      Record
		turnsRaw []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, model_name, turns, first_seen, last_updated
		   FROM conversations WHERE user_id=$1 AND model_name=$2`,
		userID, modelName,
	).Scan(&rec.UserID, &rec.ModelName, &turnsRaw, &rec.FirstSeen, &rec.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("get conversation: %w", err)
	}
	if err := json.Unmarshal(turnsRaw, &rec.Turns); err != nil {
		return Record{}, false, fmt.Errorf("decode conversation turns: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, record Record) error {
	turnsRaw, err := json.Marshal(record.Turns)
	if err != nil {
		return fmt.Errorf("encode conversation turns: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (user_id, model_name, turns, first_seen, last_updated)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, model_name) DO UPDATE SET
			turns=EXCLUDED.turns,
			first_seen=LEAST(conversations.first_seen, EXCLUDED.first_seen),
			last_updated=EXCLUDED.last_updated`,
		record.UserID,
		record.ModelName,
		turnsRaw,
		record.FirstSeen,
		record.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID, modelName string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE user_id=$1 AND model_name=$2`,
		userID, modelName,
	); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// DeleteExpired removes the record only while it is still past the cutoff,
// so a row refreshed since the expiry scan is left alone.
func (s *PostgresStore) DeleteExpired(ctx context.Context, userID, modelName string, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE user_id=$1 AND model_name=$2 AND last_updated < $3`,
		userID, modelName, cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("delete expired conversation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ScanExpired(ctx context.Context, cutoff time.Time) ([]Key, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, model_name FROM conversations WHERE last_updated < $1`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("scan expired conversations: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.UserID, &key.ModelName); err != nil {
			return nil, fmt.Errorf("scan expired row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired rows: %w", err)
	}
	return keys, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
