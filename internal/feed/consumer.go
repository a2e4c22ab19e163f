package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"floodguard/internal/flood"
	"floodguard/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// StreamEvent is the wire shape of one stream frame.
type StreamEvent struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"` // "modmail.message", "post.submit"
	TimeUS int64  `json:"time_us"`
	Author struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Moderator bool   `json:"moderator"`
		Admin     bool   `json:"admin"`
	} `json:"author"`

	// Conversation and Participant are set on modmail events.
	Conversation string `json:"conversation,omitempty"`
	Participant  string `json:"participant,omitempty"`

	// Post is set on post events.
	Post string `json:"post,omitempty"`
}

// Handler receives decoded events from the stream.
type Handler interface {
	HandleMessage(ctx context.Context, ev flood.MessageEvent) error
	HandlePost(ctx context.Context, ev flood.PostEvent) error
}

// CursorStore persists the stream position across restarts.
type CursorStore interface {
	GetCursor(ctx context.Context) (int64, error)
	SetCursor(ctx context.Context, cursor int64) error
}

// Consumer consumes events from the stream and feeds the handler.
type Consumer struct {
	config  *Config
	handler Handler
	cursors CursorStore

	// Connection state
	conn               *websocket.Conn
	connMu             sync.Mutex
	currentEndpointIdx int

	// Zstd decoder for compressed messages
	zstdDecoder *zstd.Decoder

	// Cursor for resume
	cursor atomic.Int64

	// Stats
	eventsReceived atomic.Int64
	bytesReceived  atomic.Int64

	// Control
	connected atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewConsumer creates a stream consumer. The persisted cursor, if any,
// is loaded so a restart resumes where the last run stopped.
func NewConsumer(config *Config, handler Handler, cursors CursorStore) *Consumer {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		log.Fatal().Err(err).Msg("feed: failed to create zstd decoder")
	}

	c := &Consumer{
		config:      config,
		handler:     handler,
		cursors:     cursors,
		stopCh:      make(chan struct{}),
		zstdDecoder: decoder,
	}

	if cursors != nil {
		if cursor, err := cursors.GetCursor(context.Background()); err == nil && cursor > 0 {
			c.cursor.Store(cursor)
			log.Info().Int64("cursor", cursor).Msg("feed: loaded cursor")
		}
	}

	return c
}

// Start begins consuming events in a background goroutine.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop gracefully stops the consumer and persists the cursor.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()

	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
	}

	if c.cursors != nil {
		if cursor := c.cursor.Load(); cursor > 0 {
			if err := c.cursors.SetCursor(context.Background(), cursor); err != nil {
				log.Warn().Err(err).Msg("feed: failed to persist cursor on shutdown")
			}
		}
	}
}

// IsConnected returns true if currently connected to the stream.
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

// Stats returns consumer statistics.
func (c *Consumer) Stats() (eventsReceived, bytesReceived int64) {
	return c.eventsReceived.Load(), c.bytesReceived.Load()
}

func (c *Consumer) run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("feed: context cancelled, stopping consumer")
			return
		case <-c.stopCh:
			log.Info().Msg("feed: stop requested, stopping consumer")
			return
		default:
		}

		endpoint := c.config.Endpoints[c.currentEndpointIdx]
		err := c.connectAndConsume(ctx, endpoint)

		if err != nil {
			c.connected.Store(false)
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("feed: connection error")

			// Rotate to next endpoint
			c.currentEndpointIdx = (c.currentEndpointIdx + 1) % len(c.config.Endpoints)

			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		} else {
			backoff = time.Second
		}
	}
}

func (c *Consumer) connectAndConsume(ctx context.Context, endpoint string) error {
	wsURL, err := c.buildWebSocketURL(endpoint)
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	log.Info().Str("url", wsURL).Msg("feed: connecting to stream")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.connected.Store(true)
	metrics.FeedConnectionState.Set(1)
	log.Info().Str("endpoint", endpoint).Msg("feed: connected to stream")

	defer func() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.connected.Store(false)
		metrics.FeedConnectionState.Set(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		c.bytesReceived.Add(int64(len(message)))

		if err := c.processMessage(ctx, message); err != nil {
			metrics.FeedErrorsTotal.Inc()
			log.Warn().Err(err).Msg("feed: failed to process message")
		}
	}
}

func (c *Consumer) buildWebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()

	for _, kind := range c.config.WantedKinds {
		q.Add("wantedKinds", kind)
	}

	if c.config.Compress {
		q.Set("compress", "true")
	}

	// Rewind the cursor slightly so a reconnect never skips events that
	// raced the disconnect. The dedup guard absorbs the resulting
	// redeliveries.
	cursor := c.cursor.Load()
	if cursor > 0 {
		cursor -= 5 * time.Second.Microseconds()
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Consumer) processMessage(ctx context.Context, data []byte) error {
	// Zstd compressed data starts with magic number 0x28 0xB5 0x2F 0xFD
	if c.config.Compress && len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD {
		decompressed, err := c.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress message: %w", err)
		}
		data = decompressed
	} else if c.config.Compress && len(data) > 0 && data[0] != '{' {
		// Try decompression anyway if it doesn't look like JSON.
		if decompressed, err := c.zstdDecoder.DecodeAll(data, nil); err == nil {
			data = decompressed
		}
	}

	var event StreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		preview := data
		if len(preview) > 50 {
			preview = preview[:50]
		}
		return fmt.Errorf("failed to unmarshal event (first bytes: %q): %w", preview, err)
	}

	c.eventsReceived.Add(1)

	if event.TimeUS > 0 {
		c.cursor.Store(event.TimeUS)

		// Persist cursor periodically (every 1000 events)
		if c.cursors != nil && c.eventsReceived.Load()%1000 == 0 {
			if err := c.cursors.SetCursor(ctx, event.TimeUS); err != nil {
				log.Warn().Err(err).Msg("feed: failed to persist cursor")
			}
		}
	}

	createdAt := time.UnixMicro(event.TimeUS)

	switch event.Kind {
	case KindModmailMessage:
		metrics.FeedEventsTotal.WithLabelValues(event.Kind).Inc()
		return c.handler.HandleMessage(ctx, flood.MessageEvent{
			ID:           event.ID,
			Author:       event.Author.ID,
			AuthorName:   event.Author.Name,
			Conversation: event.Conversation,
			Participant:  event.Participant,
			Moderator:    event.Author.Moderator,
			Admin:        event.Author.Admin,
			CreatedAt:    createdAt,
		})

	case KindPostSubmit:
		metrics.FeedEventsTotal.WithLabelValues(event.Kind).Inc()
		return c.handler.HandlePost(ctx, flood.PostEvent{
			ID:         event.ID,
			Author:     event.Author.ID,
			AuthorName: event.Author.Name,
			Post:       event.Post,
			Moderator:  event.Author.Moderator,
			Admin:      event.Author.Admin,
			CreatedAt:  createdAt,
		})
	}

	// Unwanted kinds still advance the cursor.
	return nil
}
