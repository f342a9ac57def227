// Package source adapts the external data sources the scheduler depends on:
// the Event Discoverer (which events run on a date) and the Outcome Fetcher
// (what happened in one event).
//
// Both are specified only by their I/O contract. Errors are classified with
// internal/fault:
//   - SOURCE_UNAVAILABLE: upstream could not be read (retryable)
//   - NOT_YET_AVAILABLE: the outcome is not published yet (retryable)
//   - NOT_FOUND: the event does not exist upstream (terminal)
package source

import (
	"context"

	"github.com/roach88/racewatch/internal/record"
)

// EventDiscoverer lists the events expected on a date.
type EventDiscoverer interface {
	// ListEvents returns the events of date ("YYYY-MM-DD") ordered by
	// scheduled time.
	ListEvents(ctx context.Context, date string) ([]record.Event, error)
}

// OutcomeFetcher fetches the published outcome of one event.
type OutcomeFetcher interface {
	FetchOutcome(ctx context.Context, eventID string) (record.Outcome, error)
}

// Feed is a source that can do both.
type Feed interface {
	EventDiscoverer
	OutcomeFetcher
}
