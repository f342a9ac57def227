// Package pgstore is the PostgreSQL backend for ledger records and
// one-shot triggers. It mirrors internal/store on a pgx connection pool so
// several dispatcher processes can share one database; due triggers are
// leased with FOR UPDATE SKIP LOCKED.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/ledger"
	"github.com/roach88/racewatch/internal/record"
	"github.com/roach88/racewatch/internal/trigger"
)

//go:embed schema.sql
var schemaSQL string

var (
	_ ledger.Store  = (*Store)(nil)
	_ trigger.Store = (*Store)(nil)
)

// Store is a PostgreSQL-backed ledger.Store and trigger.Store.
type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// Get returns the item stored under key, or a fault NOT_FOUND error.
func (s *Store) Get(ctx context.Context, key record.Key) (ledger.Item, error) {
	var (
		value     string
		updatedAt time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT value, updated_at FROM records
		WHERE subject_id = $1 AND record_key = $2
	`, key.SubjectID, key.RecordKey).Scan(&value, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Item{}, fault.New(fault.KindNotFound, "pgstore.get", key.String())
	}
	if err != nil {
		return ledger.Item{}, fmt.Errorf("get %s: %w", key, err)
	}
	return ledger.Item{Key: key, Value: []byte(value), UpdatedAt: updatedAt.UTC()}, nil
}

// Put stores value under key, replacing any existing value.
func (s *Store) Put(ctx context.Context, key record.Key, value []byte) error {
	now := s.now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO records (subject_id, record_key, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (subject_id, record_key) DO UPDATE SET
			value      = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`, key.SubjectID, key.RecordKey, string(value), now)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent stores value under key only if the key is free, returning
// fault ALREADY_EXISTS otherwise.
func (s *Store) PutIfAbsent(ctx context.Context, key record.Key, value []byte) error {
	now := s.now().UTC()
	tag, err := s.db.Exec(ctx, `
		INSERT INTO records (subject_id, record_key, value, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (subject_id, record_key) DO NOTHING
	`, key.SubjectID, key.RecordKey, string(value), now)
	if err != nil {
		return fmt.Errorf("put if absent %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindAlreadyExists, "pgstore.put_if_absent", key.String())
	}
	return nil
}

// Query returns every item of subjectID whose record key starts with prefix,
// ordered by record key.
func (s *Store) Query(ctx context.Context, subjectID, prefix string) ([]ledger.Item, error) {
	rows, err := s.db.Query(ctx, `
		SELECT record_key, value, updated_at FROM records
		WHERE subject_id = $1 AND left(record_key, length($2)) = $2
		ORDER BY record_key COLLATE "C" ASC
	`, subjectID, prefix)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	items := []ledger.Item{}
	for rows.Next() {
		var (
			recordKey string
			value     string
			updatedAt time.Time
		)
		if err := rows.Scan(&recordKey, &value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		items = append(items, ledger.Item{
			Key:       record.Key{SubjectID: subjectID, RecordKey: recordKey},
			Value:     []byte(value),
			UpdatedAt: updatedAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return items, nil
}
