package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	// NATS server URL(s), comma-separated
	URL string
	// StreamName enables JetStream when set; empty publishes on core NATS
	StreamName string
	// Subject prefix (default: "callbridge")
	SubjectPrefix   string
	AsyncBufferSize int
	ConnectTimeout  time.Duration
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	// Auth
	CredsFile string
	Token     string
	User      string
	Password  string
}

// DefaultNATSConfig returns defaults for call event workloads.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             nats.DefaultURL,
		StreamName:      "CALLBRIDGE_CALLS",
		SubjectPrefix:   SubjectPrefix,
		AsyncBufferSize: 10000,
		ConnectTimeout:  5 * time.Second,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// NATSPublisher publishes events to NATS, through JetStream when a stream
// is configured.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	asyncCh  chan Event
	asyncWg  sync.WaitGroup
	closedMu sync.RWMutex
	closed   bool

	publishCount atomic.Int64
	errorCount   atomic.Int64
	asyncDropped atomic.Int64
}

// NewNATSPublisher connects to NATS and ensures the stream exists.
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = SubjectPrefix
	}

	opts := []nats.Option{
		nats.Name("callbridge-events"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[Events] NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[Events] NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("[Events] NATS error", "error", err)
		}),
	}
	switch {
	case cfg.CredsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	p := &NATSPublisher{conn: conn, logger: logger}

	if cfg.StreamName != "" {
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err = js.CreateOrUpdateStream(ctx, streamConfig(cfg))
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create stream %s: %w", cfg.StreamName, err)
		}
		p.js = js
	}

	bufSize := cfg.AsyncBufferSize
	if bufSize <= 0 {
		bufSize = 10000
	}
	p.asyncCh = make(chan Event, bufSize)
	p.asyncWg.Add(1)
	go p.asyncPublisher()

	logger.Info("[Events] NATS publisher initialized",
		"url", cfg.URL,
		"stream", cfg.StreamName,
	)
	return p, nil
}

// streamConfig describes the stream holding every call event. Message ids
// repeated within the duplicate window are stored once.
func streamConfig(cfg NATSConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{PatternAllCalls(cfg.SubjectPrefix)},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Storage:    jetstream.FileStorage,
		Replicas:   1,
		Duplicates: 5 * time.Minute,
	}
}

func (p *NATSPublisher) asyncPublisher() {
	defer p.asyncWg.Done()
	for event := range p.asyncCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Publish(ctx, event); err != nil {
			p.logger.Warn("[Events] Async publish failed",
				"error", err,
				"type", event.Type(),
				"call_id", event.CallID(),
			)
		}
		cancel()
	}
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := event.Subject()

	if p.js == nil {
		err = p.conn.Publish(subject, data)
	} else {
		_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID()))
	}
	if err != nil {
		p.errorCount.Add(1)
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	p.publishCount.Add(1)
	p.logger.Debug("[Events] Published", "subject", subject)
	return nil
}

func (p *NATSPublisher) PublishAsync(event Event) {
	p.closedMu.RLock()
	defer p.closedMu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.asyncCh <- event:
	default:
		p.asyncDropped.Add(1)
		p.logger.Warn("[Events] Async buffer full, event dropped",
			"type", event.Type(),
			"call_id", event.CallID(),
		)
	}
}

// Flush drains the async queue and flushes the connection. No async
// publishing is accepted afterwards.
func (p *NATSPublisher) Flush(ctx context.Context) error {
	p.closedMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.asyncCh)
	}
	p.closedMu.Unlock()
	p.asyncWg.Wait()

	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("[Events] Flush failed during close", "error", err)
	}
	p.conn.Close()
	return nil
}

// Stats returns publish counters.
func (p *NATSPublisher) Stats() (published, errors, asyncDropped int64) {
	return p.publishCount.Load(), p.errorCount.Load(), p.asyncDropped.Load()
}
