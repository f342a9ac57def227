package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/record"
)

const feedYAML = `
events:
  "2024-05-01":
    - event_id: E2
      scheduled_time: 2024-05-01T10:00:00+09:00
    - event_id: E1
      scheduled_time: 2024-05-01T08:00:00+09:00
      metadata:
        candidates: 1-2-3,1-3-2
outcomes:
  E1: {result: 1-2-3, payout: 600}
not_found: [E9]
`

func TestParseFileFeed(t *testing.T) {
	feed, err := ParseFileFeed([]byte(feedYAML))
	require.NoError(t, err)
	ctx := context.Background()

	events, err := feed.ListEvents(ctx, "2024-05-01")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, feed.Len())
	assert.Equal(t, "E1", events[0].ID)
	assert.Equal(t, "1-2-3,1-3-2", events[0].Metadata["candidates"])

	events, err = feed.ListEvents(ctx, "2024-05-02")
	require.NoError(t, err)
	assert.Empty(t, events)

	out, err := feed.FetchOutcome(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, record.Outcome{Result: "1-2-3", Payout: 600}, out)

	_, err = feed.FetchOutcome(ctx, "E2")
	assert.True(t, fault.IsNotYetAvailable(err))

	_, err = feed.FetchOutcome(ctx, "E9")
	assert.True(t, fault.IsNotFound(err))
}

func TestParseFileFeed_RejectsUnknownFields(t *testing.T) {
	_, err := ParseFileFeed([]byte("evnts: {}\n"))
	assert.Error(t, err)
}

func TestParseFileFeed_RequiresEventFields(t *testing.T) {
	_, err := ParseFileFeed([]byte(`
events:
  "2024-05-01":
    - scheduled_time: 2024-05-01T08:00:00+09:00
`))
	assert.ErrorContains(t, err, "event_id is required")

	_, err = ParseFileFeed([]byte(`
events:
  "2024-05-01":
    - event_id: E1
`))
	assert.ErrorContains(t, err, "scheduled_time is required")
}

func TestLoadFileFeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(feedYAML), 0o644))

	feed, err := LoadFileFeed(path)
	require.NoError(t, err)
	_, err = feed.FetchOutcome(context.Background(), "E1")
	assert.NoError(t, err)

	_, err = LoadFileFeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFileFeed_Setters(t *testing.T) {
	feed := NewFileFeed()
	ctx := context.Background()

	_, err := feed.FetchOutcome(ctx, "E1")
	assert.True(t, fault.IsNotYetAvailable(err))

	feed.SetOutcome("E1", record.Outcome{Result: "3-1-2", Payout: 1200})
	out, err := feed.FetchOutcome(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), out.Payout)

	feed.SetUnavailable(true)
	_, err = feed.FetchOutcome(ctx, "E1")
	assert.True(t, fault.IsSourceUnavailable(err))
	_, err = feed.ListEvents(ctx, "2024-05-01")
	assert.True(t, fault.IsSourceUnavailable(err))
	feed.SetUnavailable(false)

	feed.SetNotFound("E1")
	_, err = feed.FetchOutcome(ctx, "E1")
	assert.True(t, fault.IsNotFound(err))

	feed.ClearOutcome("E1")
	_, err = feed.FetchOutcome(ctx, "E1")
	assert.True(t, fault.IsNotYetAvailable(err))
}

func TestFileFeed_HonorsCancelledContext(t *testing.T) {
	feed := NewFileFeed()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := feed.FetchOutcome(ctx, "E1")
	assert.ErrorIs(t, err, context.Canceled)
}
