package pgstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/trigger"
)

const triggerColumns = `
	id, namespace, event_id, subject_id, date, target,
	fire_at, attempt, state, lease_expires_at, created_at, updated_at`

// UpsertTrigger inserts h or re-arms the existing trigger of the same
// (namespace, subject_id, date, event_id), keeping its id.
func (s *Store) UpsertTrigger(ctx context.Context, h trigger.Handle) (trigger.Handle, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO triggers (id, namespace, event_id, subject_id, date, target,
			fire_at, attempt, state, lease_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, NULL, $9, $10)
		ON CONFLICT (namespace, subject_id, date, event_id) DO UPDATE SET
			target           = EXCLUDED.target,
			fire_at          = EXCLUDED.fire_at,
			attempt          = 0,
			state            = EXCLUDED.state,
			lease_expires_at = NULL,
			updated_at       = EXCLUDED.updated_at
		RETURNING `+triggerColumns,
		h.ID, h.Namespace, h.EventID, h.SubjectID, h.Date, h.Target,
		h.FireAt.UTC(), string(trigger.StateArmed), h.CreatedAt.UTC(), h.UpdatedAt.UTC(),
	)
	stored, err := scanTrigger(row)
	if err != nil {
		return trigger.Handle{}, fmt.Errorf("upsert trigger %s: %w", h.EventID, err)
	}
	return stored, nil
}

// DeleteTrigger removes a trigger. Unknown ids are ignored.
func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM triggers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete trigger %s: %w", id, err)
	}
	return nil
}

// ListTriggers returns every trigger in namespace ordered by fire_at, id.
func (s *Store) ListTriggers(ctx context.Context, namespace string) ([]trigger.Handle, error) {
	rows, err := s.db.Query(ctx, `SELECT `+triggerColumns+` FROM triggers
		WHERE namespace = $1
		ORDER BY fire_at ASC, id COLLATE "C" ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	return collectTriggers(rows)
}

// LeaseDueTriggers leases up to limit due triggers. Rows locked by another
// dispatcher are skipped rather than waited on.
func (s *Store) LeaseDueTriggers(ctx context.Context, namespace string, now time.Time, ttl time.Duration, limit int) ([]trigger.Handle, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	now = now.UTC()

	rows, err := s.db.Query(ctx, `
		UPDATE triggers
		SET state = $1, attempt = attempt + 1, lease_expires_at = $2, updated_at = $3
		WHERE id IN (
			SELECT id FROM triggers
			WHERE namespace = $4 AND (
				(state = $5 AND fire_at <= $3)
				OR
				(state = $1 AND lease_expires_at IS NOT NULL AND lease_expires_at <= $3)
			)
			ORDER BY fire_at ASC, id COLLATE "C" ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+triggerColumns,
		string(trigger.StateLeased), now.Add(ttl), now,
		namespace, string(trigger.StateArmed), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lease due triggers: %w", err)
	}
	handles, err := collectTriggers(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sortByFireAt(handles)
	return handles, nil
}

// LeaseTrigger leases the trigger of target regardless of fire_at. An empty
// target.Date matches any date, earliest fire_at first.
func (s *Store) LeaseTrigger(ctx context.Context, namespace string, target trigger.Target, now time.Time, ttl time.Duration) (trigger.Handle, error) {
	if ttl <= 0 {
		return trigger.Handle{}, fmt.Errorf("lease ttl must be greater than zero")
	}
	now = now.UTC()

	row := s.db.QueryRow(ctx, `
		UPDATE triggers
		SET state = $1, attempt = attempt + 1, lease_expires_at = $2, updated_at = $3
		WHERE id = (
			SELECT id FROM triggers
			WHERE namespace = $4 AND subject_id = $5 AND event_id = $6
				AND ($7 = '' OR date = $7)
			ORDER BY fire_at ASC, id COLLATE "C" ASC
			LIMIT 1
			FOR UPDATE
		)
		RETURNING `+triggerColumns,
		string(trigger.StateLeased), now.Add(ttl), now,
		namespace, target.SubjectID, target.EventID, target.Date,
	)
	h, err := scanTrigger(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return trigger.Handle{}, fault.Newf(fault.KindNotFound, "pgstore.lease_trigger",
			"no trigger for subject %s event %s", target.SubjectID, target.EventID)
	}
	if err != nil {
		return trigger.Handle{}, fmt.Errorf("lease trigger %s: %w", target.EventID, err)
	}
	return h, nil
}

// RescheduleTrigger re-arms a trigger at fireAt, keeping its attempt count.
func (s *Store) RescheduleTrigger(ctx context.Context, id string, fireAt, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE triggers
		SET state = $1, fire_at = $2, lease_expires_at = NULL, updated_at = $3
		WHERE id = $4
	`, string(trigger.StateArmed), fireAt.UTC(), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("reschedule trigger %s: %w", id, err)
	}
	return nil
}

func collectTriggers(rows pgx.Rows) ([]trigger.Handle, error) {
	defer rows.Close()

	handles := []trigger.Handle{}
	for rows.Next() {
		h, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		handles = append(handles, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate triggers: %w", err)
	}
	return handles, nil
}

func scanTrigger(row pgx.Row) (trigger.Handle, error) {
	var (
		h     trigger.Handle
		state string
	)
	if err := row.Scan(
		&h.ID, &h.Namespace, &h.EventID, &h.SubjectID, &h.Date, &h.Target,
		&h.FireAt, &h.Attempt, &state, &h.LeaseExpiresAt, &h.CreatedAt, &h.UpdatedAt,
	); err != nil {
		return trigger.Handle{}, err
	}
	h.State = trigger.State(state)
	h.FireAt = h.FireAt.UTC()
	h.CreatedAt = h.CreatedAt.UTC()
	h.UpdatedAt = h.UpdatedAt.UTC()
	if h.LeaseExpiresAt != nil {
		t := h.LeaseExpiresAt.UTC()
		h.LeaseExpiresAt = &t
	}
	return h, nil
}

func sortByFireAt(handles []trigger.Handle) {
	slices.SortFunc(handles, func(a, b trigger.Handle) int {
		if c := a.FireAt.Compare(b.FireAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
