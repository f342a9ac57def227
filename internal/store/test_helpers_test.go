package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/racewatch/internal/trigger"
)

var testEpoch = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time { return testEpoch }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestHandle creates an armed trigger handle with minimal required fields.
func createTestHandle(id, eventID string, fireAt time.Time) trigger.Handle {
	return trigger.Handle{
		ID:        id,
		Namespace: "race-settlement",
		EventID:   eventID,
		SubjectID: "3941",
		Date:      "2024-05-01",
		Target:    trigger.TargetSettle,
		FireAt:    fireAt,
		State:     trigger.StateArmed,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
}
