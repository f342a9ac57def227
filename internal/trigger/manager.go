// Package trigger arms, delivers and cleans up one-shot settlement triggers.
//
// A trigger is a row in a trigger.Store: exactly one per (namespace,
// subject_id, date, event_id), due at fire_at. Manager owns the lifecycle (Arm, Disarm,
// ListArmed, Retry, Sweep, Fire). Dispatcher turns due rows into handler
// calls: it leases them, pushes them onto an in-process work queue and drains
// the queue with a fixed pool of workers.
//
// Delivery is at-least-once. A lease that expires before the handler finishes
// (crash, timeout) makes the trigger due again, so handlers must be
// idempotent per event.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/racewatch/internal/fault"
)

// DefaultLeaseTTL is how long a delivered trigger is held before it becomes
// deliverable again.
const DefaultLeaseTTL = 2 * time.Minute

// Manager is the One-Shot Trigger Manager.
//
// Arm is idempotent per target: arming a (subject, date, event) that already
// has a trigger replaces it in place (same id, new fire_at, state reset to armed). Disarm of
// an unknown id is a no-op, since disarm races with delivery.
type Manager struct {
	store     Store
	namespace string
	clock     Clock
	ids       IDGenerator
	leaseTTL  time.Duration
	log       zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the time source. Default: SystemClock.
func WithClock(c Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithIDGenerator sets the trigger id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) ManagerOption {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithLeaseTTL sets how long a delivered trigger is held. Default: DefaultLeaseTTL.
func WithLeaseTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.leaseTTL = d
	}
}

// WithLogger sets the logger. Default: disabled.
func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = l
	}
}

// NewManager creates a Manager scoped to namespace.
func NewManager(store Store, namespace string, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		namespace: namespace,
		clock:     SystemClock{},
		ids:       UUIDv7Generator{},
		leaseTTL:  DefaultLeaseTTL,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("component", "trigger").Str("namespace", namespace).Logger()
	return m
}

// Namespace returns the namespace the manager arms triggers in.
func (m *Manager) Namespace() string {
	return m.namespace
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Arm schedules a settlement of target at fireAt and returns the trigger id.
// Arming a target that is already armed re-arms the existing trigger and
// returns its id. Targets that differ only in subject or date get separate
// triggers.
func (m *Manager) Arm(ctx context.Context, target Target, fireAt time.Time) (string, error) {
	if strings.TrimSpace(m.namespace) == "" {
		return "", fault.New(fault.KindConfiguration, "trigger.arm", "namespace is required")
	}
	if strings.TrimSpace(target.EventID) == "" {
		return "", fmt.Errorf("arm: event id is required")
	}
	if strings.TrimSpace(target.SubjectID) == "" || strings.TrimSpace(target.Date) == "" {
		return "", fmt.Errorf("arm %s: subject and date are required", target.EventID)
	}
	if fireAt.IsZero() {
		return "", fmt.Errorf("arm %s: fire time is required", target.EventID)
	}

	now := m.clock.Now()
	h, err := m.store.UpsertTrigger(ctx, Handle{
		ID:        m.ids.Generate(),
		Namespace: m.namespace,
		EventID:   target.EventID,
		SubjectID: target.SubjectID,
		Date:      target.Date,
		Target:    TargetSettle,
		FireAt:    fireAt.UTC(),
		State:     StateArmed,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("arm %s: %w", target.EventID, err)
	}

	m.log.Debug().
		Str("trigger_id", h.ID).
		Str("subject_id", h.SubjectID).
		Str("event_id", h.EventID).
		Time("fire_at", h.FireAt).
		Msg("armed")
	return h.ID, nil
}

// Disarm deletes a trigger. Unknown ids are a no-op.
func (m *Manager) Disarm(ctx context.Context, id string) error {
	if err := m.store.DeleteTrigger(ctx, id); err != nil {
		return fmt.Errorf("disarm: %w", err)
	}
	m.log.Debug().Str("trigger_id", id).Msg("disarmed")
	return nil
}

// ListArmed returns every trigger in namespace, ordered by fire_at.
func (m *Manager) ListArmed(ctx context.Context, namespace string) ([]Handle, error) {
	handles, err := m.store.ListTriggers(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("list armed: %w", err)
	}
	return handles, nil
}

// Retry re-arms a delivered trigger at fireAt. The attempt count is kept so
// the next delivery sees attempt+1.
func (m *Manager) Retry(ctx context.Context, h Handle, fireAt time.Time) error {
	if err := m.store.RescheduleTrigger(ctx, h.ID, fireAt.UTC(), m.clock.Now()); err != nil {
		return fmt.Errorf("retry %s: %w", h.EventID, err)
	}
	m.log.Debug().
		Str("trigger_id", h.ID).
		Str("event_id", h.EventID).
		Int("attempt", h.Attempt).
		Time("fire_at", fireAt.UTC()).
		Msg("re-armed")
	return nil
}

// Lease hands out up to limit due triggers of the manager's namespace.
func (m *Manager) Lease(ctx context.Context, limit int) ([]Handle, error) {
	handles, err := m.store.LeaseDueTriggers(ctx, m.namespace, m.clock.Now(), m.leaseTTL, limit)
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	return handles, nil
}

// Fire leases the trigger of target immediately, regardless of fire_at.
// target.SubjectID is required; an empty target.Date matches the event on any
// date. Returns fault NOT_FOUND if no such trigger is armed.
func (m *Manager) Fire(ctx context.Context, target Target) (Handle, error) {
	if strings.TrimSpace(target.SubjectID) == "" || strings.TrimSpace(target.EventID) == "" {
		return Handle{}, fmt.Errorf("fire: subject and event id are required")
	}
	h, err := m.store.LeaseTrigger(ctx, m.namespace, target, m.clock.Now(), m.leaseTTL)
	if err != nil {
		return Handle{}, err
	}
	return h, nil
}

// SweepFunc resolves the work behind an orphaned trigger before Sweep
// disarms it.
type SweepFunc func(ctx context.Context, h Handle) error

// Sweep disarms triggers whose fire_at is more than grace in the past,
// assuming their settlement failed terminally. Triggers under a live lease
// are left alone.
//
// When abandon is set it runs first for each stale trigger. A trigger whose
// abandon call fails stays armed for the next sweep and the remaining
// triggers are still processed; the failures are joined into the returned
// error. Returns the disarmed handles.
func (m *Manager) Sweep(ctx context.Context, grace time.Duration, abandon SweepFunc) ([]Handle, error) {
	now := m.clock.Now()
	cutoff := now.Add(-grace)

	handles, err := m.store.ListTriggers(ctx, m.namespace)
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	var (
		swept []Handle
		errs  []error
	)
	for _, h := range handles {
		if !h.FireAt.Before(cutoff) {
			continue
		}
		if h.State == StateLeased && h.LeaseExpiresAt != nil && h.LeaseExpiresAt.After(now) {
			continue
		}
		if abandon != nil {
			if err := abandon(ctx, h); err != nil {
				m.log.Error().
					Err(err).
					Str("trigger_id", h.ID).
					Str("event_id", h.EventID).
					Msg("orphaned trigger kept, abandon failed")
				errs = append(errs, fmt.Errorf("sweep %s: %w", h.EventID, err))
				continue
			}
		}
		if err := m.store.DeleteTrigger(ctx, h.ID); err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", h.EventID, err))
			continue
		}
		m.log.Warn().
			Str("trigger_id", h.ID).
			Str("subject_id", h.SubjectID).
			Str("event_id", h.EventID).
			Time("fire_at", h.FireAt).
			Int("attempt", h.Attempt).
			Msg("swept orphaned trigger")
		swept = append(swept, h)
	}
	return swept, errors.Join(errs...)
}
