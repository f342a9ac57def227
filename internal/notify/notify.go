// Package notify pushes human-readable summaries to chat sinks.
//
// Notifications are fire-and-forget: Notifier logs sink failures and never
// returns them, so a broken webhook cannot stall a settlement.
package notify

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// DefaultSendTimeout bounds one sink delivery.
const DefaultSendTimeout = 10 * time.Second

// Sink delivers a text message somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Notifier fans a message out to every configured sink.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	log     zerolog.Logger
}

// NewNotifier creates a Notifier. With no sinks every call is a no-op.
func NewNotifier(log zerolog.Logger, sinks ...Sink) *Notifier {
	return &Notifier{
		sinks:   sinks,
		timeout: DefaultSendTimeout,
		log:     log.With().Str("component", "notify").Logger(),
	}
}

// Sinks returns the names of the configured sinks.
func (n *Notifier) Sinks() []string {
	names := make([]string, 0, len(n.sinks))
	for _, s := range n.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Notify sends text to every sink. Failures are logged.
func (n *Notifier) Notify(ctx context.Context, text string) {
	if n == nil || strings.TrimSpace(text) == "" {
		return
	}
	for _, s := range n.sinks {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		err := s.Send(sctx, text)
		cancel()
		if err != nil {
			n.log.Error().Err(err).Str("sink", s.Name()).Msg("notification failed")
			continue
		}
		n.log.Debug().Str("sink", s.Name()).Msg("notification sent")
	}
}

// Chunk splits text into pieces of at most limit runes. Surrounding
// whitespace is trimmed; blank text yields no chunks.
func Chunk(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := min(limit, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

// LogSink writes notifications to the log. Used when no chat sink is
// configured and in dev runs.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, text string) error {
	s.log.Info().Str("sink", "log").Msg(text)
	return nil
}
