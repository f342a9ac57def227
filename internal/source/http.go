package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/platform/httpclient"
	"github.com/roach88/racewatch/internal/record"
)

// maxBodyBytes caps how much of a feed response is read.
const maxBodyBytes = 4 << 20

// HTTPFeed reads events and outcomes from a JSON feed.
//
//	GET {base}/events?date=YYYY-MM-DD  -> 200 [event, ...]
//	GET {base}/outcomes/{event_id}     -> 200 outcome
//	                                      202, 204, 425: not yet available
//	                                      404: not found
//
// Anything else, including exhausted retries, is SOURCE_UNAVAILABLE.
type HTTPFeed struct {
	base   *url.URL
	client *httpclient.Client
	log    zerolog.Logger
}

var _ Feed = (*HTTPFeed)(nil)

// NewHTTPFeed creates a feed rooted at baseURL.
func NewHTTPFeed(baseURL string, client *httpclient.Client, log zerolog.Logger) (*HTTPFeed, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fault.Newf(fault.KindConfiguration, "source.http", "invalid feed url %q", baseURL)
	}
	if client == nil {
		client = httpclient.NewClient(httpclient.Options{})
	}
	return &HTTPFeed{
		base:   u,
		client: client,
		log:    log.With().Str("component", "http_feed").Logger(),
	}, nil
}

// ListEvents implements EventDiscoverer.
func (f *HTTPFeed) ListEvents(ctx context.Context, date string) ([]record.Event, error) {
	const op = "source.list_events"

	u := f.base.JoinPath("events")
	q := u.Query()
	q.Set("date", date)
	u.RawQuery = q.Encode()

	f.log.Debug().Str("url", u.String()).Msg("fetching events")
	resp, err := f.get(ctx, u.String())
	if err != nil {
		return nil, fault.Wrap(fault.KindSourceUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fault.Newf(fault.KindSourceUnavailable, op, "status %d for %s", resp.StatusCode, date)
	}

	var events []record.Event
	if err := decodeJSON(resp.Body, &events); err != nil {
		return nil, fault.Wrap(fault.KindSourceUnavailable, op, err)
	}
	slices.SortStableFunc(events, func(a, b record.Event) int {
		return a.ScheduledTime.Compare(b.ScheduledTime)
	})
	return events, nil
}

// FetchOutcome implements OutcomeFetcher.
func (f *HTTPFeed) FetchOutcome(ctx context.Context, eventID string) (record.Outcome, error) {
	const op = "source.fetch_outcome"

	u := f.base.JoinPath("outcomes", eventID)

	f.log.Debug().Str("url", u.String()).Msg("fetching outcome")
	resp, err := f.get(ctx, u.String())
	if err != nil {
		return record.Outcome{}, fault.Wrap(fault.KindSourceUnavailable, op, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out record.Outcome
		if err := decodeJSON(resp.Body, &out); err != nil {
			return record.Outcome{}, fault.Wrap(fault.KindSourceUnavailable, op, err)
		}
		return out, nil
	case http.StatusAccepted, http.StatusNoContent, http.StatusTooEarly:
		return record.Outcome{}, fault.New(fault.KindNotYetAvailable, op, eventID)
	case http.StatusNotFound:
		return record.Outcome{}, fault.New(fault.KindNotFound, op, eventID)
	default:
		return record.Outcome{}, fault.Newf(fault.KindSourceUnavailable, op, "status %d for %s", resp.StatusCode, eventID)
	}
}

func (f *HTTPFeed) get(ctx context.Context, rawURL string) (*http.Response, error) {
	return f.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}

func decodeJSON(r io.Reader, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r, maxBodyBytes)).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
