package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/roach88/racewatch/internal/fault"
	"github.com/roach88/racewatch/internal/platform/httpclient"
)

// DiscordLimit is the maximum length of one Discord message.
const DiscordLimit = 2000

// DiscordSink posts to a Discord webhook, splitting long text into
// DiscordLimit-sized messages. A rate-limited post is retried; any other
// failure is reported without a second post.
type DiscordSink struct {
	webhookURL string
	client     *httpclient.Client
}

// NewDiscordSink creates a sink posting to webhookURL.
func NewDiscordSink(webhookURL string, client *httpclient.Client) (*DiscordSink, error) {
	if webhookURL == "" {
		return nil, fault.New(fault.KindConfiguration, "notify.discord", "webhook url is required")
	}
	if client == nil {
		client = httpclient.NewClient(httpclient.Options{})
	}
	return &DiscordSink{webhookURL: webhookURL, client: client}, nil
}

// Name implements Sink.
func (s *DiscordSink) Name() string { return "discord" }

// Send implements Sink.
func (s *DiscordSink) Send(ctx context.Context, text string) error {
	for i, chunk := range Chunk(text, DiscordLimit) {
		if err := s.post(ctx, chunk); err != nil {
			return fmt.Errorf("discord chunk %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *DiscordSink) post(ctx context.Context, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}

	resp, err := s.client.Post(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "DiscordBot (https://github.com/roach88/racewatch, 1.0)")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
