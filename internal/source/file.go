package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/record"
)

// FeedFile is the YAML layout read by FileFeed.
//
//	events:
//	  "2024-05-01":
//	    - event_id: E1
//	      scheduled_time: 2024-05-01T08:00:00+09:00
//	outcomes:
//	  E1: {result: 1-2-3, payout: 600}
//	not_found: [E9]
//
// Events with no outcome and not listed in not_found are not yet available.
type FeedFile struct {
	Events   map[string][]record.Event `yaml:"events"`
	Outcomes map[string]record.Outcome `yaml:"outcomes,omitempty"`
	NotFound []string                  `yaml:"not_found,omitempty"`
}

// FileFeed serves events and outcomes from memory, loaded from YAML or set
// programmatically. It backs dev runs and scenarios, where outcomes are
// published step by step.
//
// Thread-safety: FileFeed is safe for concurrent use.
type FileFeed struct {
	mu          sync.RWMutex
	events      map[string][]record.Event
	outcomes    map[string]record.Outcome
	notFound    map[string]bool
	unavailable bool
}

var _ Feed = (*FileFeed)(nil)

// NewFileFeed creates an empty feed.
func NewFileFeed() *FileFeed {
	return &FileFeed{
		events:   make(map[string][]record.Event),
		outcomes: make(map[string]record.Outcome),
		notFound: make(map[string]bool),
	}
}

// LoadFileFeed reads a FeedFile from path.
// Unknown fields are rejected so typos surface immediately.
func LoadFileFeed(path string) (*FileFeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed file: %w", err)
	}
	return ParseFileFeed(data)
}

// ParseFileFeed parses FeedFile YAML.
func ParseFileFeed(data []byte) (*FileFeed, error) {
	var file FeedFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse feed YAML: %w", err)
	}

	f := NewFileFeed()
	for date, events := range file.Events {
		for i, ev := range events {
			if ev.ID == "" {
				return nil, fmt.Errorf("events[%s][%d]: event_id is required", date, i)
			}
			if ev.ScheduledTime.IsZero() {
				return nil, fmt.Errorf("events[%s][%d]: scheduled_time is required", date, i)
			}
		}
		f.AddEvents(date, events...)
	}
	for id, out := range file.Outcomes {
		f.SetOutcome(id, out)
	}
	for _, id := range file.NotFound {
		f.SetNotFound(id)
	}
	return f, nil
}

// AddEvents appends events to date.
func (f *FileFeed) AddEvents(date string, events ...record.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[date] = append(f.events[date], events...)
}

// Len returns the number of events across all dates.
func (f *FileFeed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, events := range f.events {
		n += len(events)
	}
	return n
}

// SetOutcome publishes the outcome of eventID.
func (f *FileFeed) SetOutcome(eventID string, out record.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[eventID] = out
	delete(f.notFound, eventID)
}

// ClearOutcome makes eventID not yet available again.
func (f *FileFeed) ClearOutcome(eventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.outcomes, eventID)
	delete(f.notFound, eventID)
}

// SetNotFound makes eventID unknown upstream.
func (f *FileFeed) SetNotFound(eventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.outcomes, eventID)
	f.notFound[eventID] = true
}

// SetUnavailable makes every call fail with SOURCE_UNAVAILABLE while set.
func (f *FileFeed) SetUnavailable(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = down
}

// ListEvents implements EventDiscoverer.
func (f *FileFeed) ListEvents(ctx context.Context, date string) ([]record.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.unavailable {
		return nil, fault.New(fault.KindSourceUnavailable, "source.list_events", "feed is down")
	}
	events := slices.Clone(f.events[date])
	slices.SortStableFunc(events, func(a, b record.Event) int {
		return a.ScheduledTime.Compare(b.ScheduledTime)
	})
	return events, nil
}

// FetchOutcome implements OutcomeFetcher.
func (f *FileFeed) FetchOutcome(ctx context.Context, eventID string) (record.Outcome, error) {
	const op = "source.fetch_outcome"
	if err := ctx.Err(); err != nil {
		return record.Outcome{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.unavailable {
		return record.Outcome{}, fault.New(fault.KindSourceUnavailable, op, "feed is down")
	}
	if f.notFound[eventID] {
		return record.Outcome{}, fault.New(fault.KindNotFound, op, eventID)
	}
	out, ok := f.outcomes[eventID]
	if !ok {
		return record.Outcome{}, fault.New(fault.KindNotYetAvailable, op, eventID)
	}
	return out, nil
}
