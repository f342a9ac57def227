package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/trigger"
)

var _ trigger.Store = (*Store)(nil)

const triggerColumns = `
	id, namespace, event_id, subject_id, date, target,
	fire_at, attempt, state, lease_expires_at, created_at, updated_at`

// UpsertTrigger inserts h or re-arms the existing trigger of the same
// (namespace, subject_id, date, event_id). The existing id and created_at are
// kept.
func (s *Store) UpsertTrigger(ctx context.Context, h trigger.Handle) (trigger.Handle, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trigger.Handle{}, fmt.Errorf("upsert trigger: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO triggers (id, namespace, event_id, subject_id, date, target,
			fire_at, attempt, state, lease_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, NULL, ?, ?)
		ON CONFLICT(namespace, subject_id, date, event_id) DO UPDATE SET
			target = excluded.target,
			fire_at = excluded.fire_at,
			attempt = 0,
			state = excluded.state,
			lease_expires_at = NULL,
			updated_at = excluded.updated_at
	`,
		h.ID, h.Namespace, h.EventID, h.SubjectID, h.Date, h.Target,
		toMillis(h.FireAt), string(trigger.StateArmed),
		toMillis(h.CreatedAt), toMillis(h.UpdatedAt),
	)
	if err != nil {
		return trigger.Handle{}, fmt.Errorf("upsert trigger %s: %w", h.EventID, err)
	}

	stored, err := scanTrigger(tx.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers
		WHERE namespace = ? AND subject_id = ? AND date = ? AND event_id = ?`,
		h.Namespace, h.SubjectID, h.Date, h.EventID).Scan)
	if err != nil {
		return trigger.Handle{}, fmt.Errorf("upsert trigger %s: select: %w", h.EventID, err)
	}

	if err := tx.Commit(); err != nil {
		return trigger.Handle{}, fmt.Errorf("upsert trigger %s: commit: %w", h.EventID, err)
	}
	return stored, nil
}

// DeleteTrigger removes a trigger. Unknown ids are ignored.
func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete trigger %s: %w", id, err)
	}
	return nil
}

// ListTriggers returns every trigger in namespace ordered by fire_at, id.
func (s *Store) ListTriggers(ctx context.Context, namespace string) ([]trigger.Handle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers
		WHERE namespace = ?
		ORDER BY fire_at ASC, id COLLATE BINARY ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	handles := []trigger.Handle{}
	for rows.Next() {
		h, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list triggers: %w", err)
		}
		handles = append(handles, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}
	return handles, nil
}

// LeaseDueTriggers leases up to limit due triggers in namespace.
//
// A trigger is due when it is armed with fire_at <= now, or leased with an
// expired lease. Each leased trigger has its attempt count incremented.
func (s *Store) LeaseDueTriggers(ctx context.Context, namespace string, now time.Time, ttl time.Duration, limit int) ([]trigger.Handle, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start lease transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM triggers
		WHERE namespace = ? AND (
			(state = ? AND fire_at <= ?)
			OR
			(state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
		)
		ORDER BY fire_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`,
		namespace,
		string(trigger.StateArmed), toMillis(now),
		string(trigger.StateLeased), toMillis(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select lease candidates: %w", err)
	}
	var candidateIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan lease candidate: %w", err)
		}
		candidateIDs = append(candidateIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate lease candidates: %w", err)
	}
	rows.Close()

	leased := make([]trigger.Handle, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		h, ok, err := leaseOne(ctx, tx, id, now, ttl, true)
		if err != nil {
			return nil, err
		}
		if ok {
			leased = append(leased, h)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease transaction: %w", err)
	}
	return leased, nil
}

// LeaseTrigger leases the trigger of target regardless of fire_at. An empty
// target.Date matches any date, earliest fire_at first.
// Returns fault NOT_FOUND when no trigger matches.
func (s *Store) LeaseTrigger(ctx context.Context, namespace string, target trigger.Target, now time.Time, ttl time.Duration) (trigger.Handle, error) {
	if ttl <= 0 {
		return trigger.Handle{}, fmt.Errorf("lease ttl must be greater than zero")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trigger.Handle{}, fmt.Errorf("start lease transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM triggers
		WHERE namespace = ? AND subject_id = ? AND event_id = ? AND (? = '' OR date = ?)
		ORDER BY fire_at ASC, id COLLATE BINARY ASC
		LIMIT 1
	`, namespace, target.SubjectID, target.EventID, target.Date, target.Date).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return trigger.Handle{}, fault.Newf(fault.KindNotFound, "store.lease_trigger",
			"no trigger for subject %s event %s", target.SubjectID, target.EventID)
	}
	if err != nil {
		return trigger.Handle{}, fmt.Errorf("lease trigger %s: %w", target.EventID, err)
	}

	h, _, err := leaseOne(ctx, tx, id, now, ttl, false)
	if err != nil {
		return trigger.Handle{}, err
	}

	if err := tx.Commit(); err != nil {
		return trigger.Handle{}, fmt.Errorf("commit lease transaction: %w", err)
	}
	return h, nil
}

// leaseOne moves one trigger to leased and returns the updated row.
// With dueOnly set the update re-checks the due condition so a trigger
// leased by someone else in the meantime is skipped.
func leaseOne(ctx context.Context, tx *sql.Tx, id string, now time.Time, ttl time.Duration, dueOnly bool) (trigger.Handle, bool, error) {
	query := `
		UPDATE triggers
		SET state = ?, attempt = attempt + 1, lease_expires_at = ?, updated_at = ?
		WHERE id = ?`
	args := []any{
		string(trigger.StateLeased), toMillis(now.Add(ttl)), toMillis(now), id,
	}
	if dueOnly {
		query += ` AND (
			(state = ? AND fire_at <= ?)
			OR
			(state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
		)`
		args = append(args,
			string(trigger.StateArmed), toMillis(now),
			string(trigger.StateLeased), toMillis(now))
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return trigger.Handle{}, false, fmt.Errorf("lease trigger %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return trigger.Handle{}, false, fmt.Errorf("lease rows affected for %s: %w", id, err)
	}
	if rowsAffected == 0 {
		return trigger.Handle{}, false, nil
	}

	h, err := scanTrigger(tx.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id).Scan)
	if err != nil {
		return trigger.Handle{}, false, fmt.Errorf("scan leased trigger %s: %w", id, err)
	}
	return h, true, nil
}

// RescheduleTrigger re-arms a trigger at fireAt, keeping its attempt count.
// Unknown ids are ignored: the trigger was disarmed while the worker ran.
func (s *Store) RescheduleTrigger(ctx context.Context, id string, fireAt, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE triggers
		SET state = ?, fire_at = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ?
	`, string(trigger.StateArmed), toMillis(fireAt), toMillis(now), id)
	if err != nil {
		return fmt.Errorf("reschedule trigger %s: %w", id, err)
	}
	return nil
}

func scanTrigger(scan func(dest ...any) error) (trigger.Handle, error) {
	var (
		h              trigger.Handle
		state          string
		fireAt         int64
		leaseExpiresAt sql.NullInt64
		createdAt      int64
		updatedAt      int64
	)
	if err := scan(
		&h.ID, &h.Namespace, &h.EventID, &h.SubjectID, &h.Date, &h.Target,
		&fireAt, &h.Attempt, &state, &leaseExpiresAt, &createdAt, &updatedAt,
	); err != nil {
		return trigger.Handle{}, err
	}
	h.State = trigger.State(state)
	h.FireAt = fromMillis(fireAt)
	h.CreatedAt = fromMillis(createdAt)
	h.UpdatedAt = fromMillis(updatedAt)
	if leaseExpiresAt.Valid {
		t := fromMillis(leaseExpiresAt.Int64)
		h.LeaseExpiresAt = &t
	}
	return h, nil
}
