package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/ledger"
	"github.com/roach88/racewatch/internal/record"
)

var _ ledger.Store = (*Store)(nil)

// Get returns the item stored under key, or a fault NOT_FOUND error.
func (s *Store) Get(ctx context.Context, key record.Key) (ledger.Item, error) {
	var (
		value     string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT value, updated_at FROM records
		WHERE subject_id = ? AND record_key = ?
	`, key.SubjectID, key.RecordKey).Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Item{}, fault.New(fault.KindNotFound, "store.get", key.String())
	}
	if err != nil {
		return ledger.Item{}, fmt.Errorf("get %s: %w", key, err)
	}
	return ledger.Item{Key: key, Value: []byte(value), UpdatedAt: fromMillis(updatedAt)}, nil
}

// Put stores value under key, replacing any existing value.
func (s *Store) Put(ctx context.Context, key record.Key, value []byte) error {
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (subject_id, record_key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(subject_id, record_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key.SubjectID, key.RecordKey, string(value), now, now)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent stores value under key only if the key is free.
// Uses ON CONFLICT DO NOTHING; zero affected rows means another writer got
// there first and is reported as fault ALREADY_EXISTS.
func (s *Store) PutIfAbsent(ctx context.Context, key record.Key, value []byte) error {
	now := toMillis(s.now())
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO records (subject_id, record_key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(subject_id, record_key) DO NOTHING
	`, key.SubjectID, key.RecordKey, string(value), now, now)
	if err != nil {
		return fmt.Errorf("put if absent %s: %w", key, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("put if absent %s: rows affected: %w", key, err)
	}
	if rowsAffected == 0 {
		return fault.New(fault.KindAlreadyExists, "store.put_if_absent", key.String())
	}
	return nil
}

// Query returns every item of subjectID whose record key starts with prefix.
// Results are ordered by record_key COLLATE BINARY. An empty prefix matches
// every record of the subject.
func (s *Store) Query(ctx context.Context, subjectID, prefix string) ([]ledger.Item, error) {
	// substr/length count characters, so the prefix is compared as text
	// rather than sliced by byte length in Go.
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_key, value, updated_at FROM records
		WHERE subject_id = ? AND substr(record_key, 1, length(?)) = ?
		ORDER BY record_key COLLATE BINARY ASC
	`, subjectID, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	items := []ledger.Item{}
	for rows.Next() {
		var (
			recordKey string
			value     string
			updatedAt int64
		)
		if err := rows.Scan(&recordKey, &value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		items = append(items, ledger.Item{
			Key:       record.Key{SubjectID: subjectID, RecordKey: recordKey},
			Value:     []byte(value),
			UpdatedAt: fromMillis(updatedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return items, nil
}
