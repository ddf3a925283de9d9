// Package transport connects the reconciler to the backend: a websocket
// stream that delivers decoded events serially, and a REST client for the
// enqueue/cancel/steer commands.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"scout/internal/backoff"
	"scout/internal/logging"
	"scout/internal/protocol"
)

// EventSink receives decoded events one at a time, in delivery order. The
// backend may deliver any event more than once; deduplication is the
// consumer's concern.
type EventSink func(protocol.Event)

// Stream reads progress frames for one user from the backend websocket and
// feeds them to a sink. Dropped connections are re-dialed with exponential
// backoff until the context is cancelled.
type Stream struct {
	endpoint string
	logger   logging.Logger
	retry    backoff.Config
	dialer   *websocket.Dialer
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStreamLogger sets the stream logger.
func WithStreamLogger(logger logging.Logger) StreamOption {
	return func(s *Stream) { s.logger = logging.OrNop(logger) }
}

// WithStreamBackoff overrides the reconnect backoff.
func WithStreamBackoff(config backoff.Config) StreamOption {
	return func(s *Stream) { s.retry = config }
}

// NewStream creates a stream for the given base URL (http or ws scheme) and
// user id.
func NewStream(baseURL, userID string, opts ...StreamOption) (*Stream, error) {
	endpoint, err := streamEndpoint(baseURL, userID)
	if err != nil {
		return nil, err
	}
	stream := &Stream{
		endpoint: endpoint,
		logger:   logging.Nop(),
		retry:    backoff.DefaultConfig(),
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(stream)
	}
	return stream, nil
}

func streamEndpoint(baseURL, userID string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL %q: %w", baseURL, err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in backend URL", parsed.Scheme)
	}
	parsed.Path = "/ws/" + url.PathEscape(userID)
	return parsed.String(), nil
}

// Run connects and pumps events into sink until ctx is cancelled. Each frame
// is fully handed to the sink before the next one is read.
func (s *Stream) Run(ctx context.Context, sink EventSink) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
		if err != nil {
			s.logger.Warn("dial %s failed: %v", s.endpoint, err)
			delay := s.retry.Delay(attempt)
			attempt++
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		s.logger.Info("connected to %s", s.endpoint)
		attempt = 0

		if err := s.pump(ctx, conn, sink); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("stream interrupted: %v", err)
		}
	}
}

func (s *Stream) pump(ctx context.Context, conn *websocket.Conn, sink EventSink) error {
	defer func() { _ = conn.Close() }()

	// Unblock the reader when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		event, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Warn("dropping undecodable frame: %v", err)
			continue
		}
		sink(event)
	}
}
