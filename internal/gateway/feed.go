package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	// feedReconnectMin and feedReconnectMax bound the reconnect backoff.
	feedReconnectMin = 1 * time.Second
	feedReconnectMax = 2 * time.Minute

	// feedIdleTimeout closes a connection that has been silent this long.
	// The service sends a ping at least every 30 seconds.
	feedIdleTimeout = 90 * time.Second

	// feedReadLimit bounds a single change notification.
	feedReadLimit = 64 * 1024

	feedJitterDivisor     = 2
	feedBackoffMultiplier = 2
)

var errFeedIdle = errors.New("change feed idle timeout")

// wsConn abstracts the WebSocket connection so Feed can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// feedMessage is one message of the change feed.
type feedMessage struct {
	Op         string `json:"op"`
	Collection string `json:"collection,omitempty"`
}

// FeedConfig configures a Feed.
type FeedConfig struct {
	URL   string
	Token string

	// OnChange is called when the service reports that a collection has
	// new records. It must not block.
	OnChange func(collection string)
}

// Feed is a WebSocket subscription to the service's change feed. An open
// connection means the service is reachable, so Feed doubles as a
// connectivity notifier.
type Feed struct {
	url      string
	token    string
	onChange func(string)
	logger   *slog.Logger

	dial        func(ctx context.Context) (wsConn, error)
	backoffMin  time.Duration
	backoffMax  time.Duration
	idleTimeout time.Duration
}

// NewFeed creates a change feed client.
func NewFeed(cfg FeedConfig, logger *slog.Logger) *Feed {
	f := &Feed{
		url:         cfg.URL,
		token:       cfg.Token,
		onChange:    cfg.OnChange,
		logger:      logger,
		backoffMin:  feedReconnectMin,
		backoffMax:  feedReconnectMax,
		idleTimeout: feedIdleTimeout,
	}
	f.dial = f.dialWebsocket

	return f
}

func (f *Feed) dialWebsocket(ctx context.Context) (wsConn, error) {
	header := http.Header{}
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}

	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing change feed: %w", err)
	}

	return conn, nil
}

// Run keeps the feed connected until ctx is cancelled, reporting true
// when a connection is established and false when it is lost or cannot
// be made.
func (f *Feed) Run(ctx context.Context, report func(online bool)) error {
	backoff := f.backoffMin

	for {
		conn, err := f.dial(ctx)
		if err == nil {
			f.logger.Info("change feed connected", slog.String("url", f.url))
			report(true)

			backoff = f.backoffMin
			err = f.listen(ctx, conn)
			conn.Close(websocket.StatusNormalClosure, "bye")
		}

		report(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("change feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		var jitter time.Duration
		if half := int64(backoff) / feedJitterDivisor; half > 0 {
			jitter = time.Duration(rand.Int64N(half)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
		}

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*feedBackoffMultiplier, f.backoffMax)
	}
}

// listen processes messages on one connection. It returns when the
// connection fails, goes idle, or ctx is cancelled.
func (f *Feed) listen(ctx context.Context, conn wsConn) error {
	conn.SetReadLimit(feedReadLimit)

	for {
		readCtx, cancel := context.WithTimeout(ctx, f.idleTimeout)
		typ, data, err := conn.Read(readCtx)
		idle := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if idle {
				return errFeedIdle
			}

			return fmt.Errorf("reading change feed: %w", err)
		}

		if typ != websocket.MessageText {
			f.logger.Debug("unexpected binary frame on change feed", slog.Int("bytes", len(data)))
			continue
		}

		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Debug("ignoring malformed feed message", slog.String("error", err.Error()))
			continue
		}

		switch msg.Op {
		case "changed":
			if msg.Collection != "" && f.onChange != nil {
				f.onChange(msg.Collection)
			}
		case "ping":
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"op":"pong"}`)); err != nil {
				return fmt.Errorf("sending pong: %w", err)
			}
		}
	}
}
