package trigger

import (
	"context"
	"time"
)

// State is the delivery state of an armed trigger.
type State string

const (
	// StateArmed means the trigger is waiting for fire_at.
	StateArmed State = "armed"

	// StateLeased means a worker holds the trigger until lease_expires_at.
	// An expired lease makes the trigger deliverable again.
	StateLeased State = "leased"
)

// TargetSettle is the only action triggers run today: settle one event.
const TargetSettle = "settle"

// Target names what a trigger runs when it fires.
type Target struct {
	SubjectID string `json:"subject_id"`
	EventID   string `json:"event_id"`
	Date      string `json:"date"`
}

// Handle is one armed one-shot trigger.
//
// Exactly one handle exists per (Namespace, SubjectID, Date, EventID), the
// same identity as the prediction it settles. Attempt counts
// deliveries: it is zero when armed and incremented every time the trigger is
// leased to a worker.
type Handle struct {
	ID             string     `json:"id"`
	Namespace      string     `json:"namespace"`
	EventID        string     `json:"event_id"`
	SubjectID      string     `json:"subject_id"`
	Date           string     `json:"date"`
	Target         string     `json:"target"`
	FireAt         time.Time  `json:"fire_at"`
	Attempt        int        `json:"attempt"`
	State          State      `json:"state"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TargetOf returns the settlement target of h.
func (h Handle) TargetOf() Target {
	return Target{SubjectID: h.SubjectID, EventID: h.EventID, Date: h.Date}
}

// Store persists trigger handles.
//
// UpsertTrigger inserts h, or when a trigger already exists for
// (h.Namespace, h.SubjectID, h.Date, h.EventID) replaces its fire_at, resets it to armed with zero
// attempts, and keeps the existing id. It returns the stored handle.
//
// DeleteTrigger and RescheduleTrigger are no-ops for unknown ids.
//
// LeaseDueTriggers leases up to limit triggers that are armed with
// fire_at <= now, or leased with an expired lease, incrementing Attempt.
// LeaseTrigger leases the trigger of one target regardless of fire_at and
// returns a fault NOT_FOUND error when none exists. An empty target.Date
// matches any date; the earliest fire_at wins.
type Store interface {
	UpsertTrigger(ctx context.Context, h Handle) (Handle, error)
	DeleteTrigger(ctx context.Context, id string) error
	ListTriggers(ctx context.Context, namespace string) ([]Handle, error)
	LeaseDueTriggers(ctx context.Context, namespace string, now time.Time, ttl time.Duration, limit int) ([]Handle, error)
	LeaseTrigger(ctx context.Context, namespace string, target Target, now time.Time, ttl time.Duration) (Handle, error)
	RescheduleTrigger(ctx context.Context, id string, fireAt, now time.Time) error
}
