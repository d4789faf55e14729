package events

import (
	"context"
	"errors"
	"log/slog"
)

// Publisher is the interface for publishing call events.
// Implementations may be no-op, logging, NATS JetStream, or a fan-out of
// several of those.
type Publisher interface {
	// Publish sends an event. Returns error only for transport failures,
	// not for invalid events (those should be caught at construction).
	Publish(ctx context.Context, event Event) error

	// PublishAsync sends an event without waiting for confirmation.
	// For high-throughput scenarios where some loss is acceptable.
	PublishAsync(event Event)

	// Flush ensures all pending async events are published.
	// Call before shutdown to avoid event loss.
	Flush(ctx context.Context) error

	// Close releases resources. Calls Flush internally.
	Close() error
}

// NoopPublisher discards all events. Use when NATS is not configured.
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that silently discards events.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(context.Context, Event) error {
	return nil
}

func (p *NoopPublisher) PublishAsync(Event) {}

func (p *NoopPublisher) Flush(context.Context) error {
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}

// LoggingPublisher logs events at debug level. Useful for development.
type LoggingPublisher struct {
	logger *slog.Logger
}

// NewLoggingPublisher creates a publisher that logs events.
func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(_ context.Context, event Event) error {
	p.logger.Debug("[Events] Published",
		"subject", event.Subject(),
		"type", event.Type(),
		"call_id", event.CallID(),
		"timestamp", event.Timestamp(),
	)
	return nil
}

func (p *LoggingPublisher) PublishAsync(event Event) {
	p.logger.Debug("[Events] Published async",
		"subject", event.Subject(),
		"type", event.Type(),
		"call_id", event.CallID(),
	)
}

func (p *LoggingPublisher) Flush(context.Context) error {
	return nil
}

func (p *LoggingPublisher) Close() error {
	return nil
}

// MultiPublisher hands every event to each of its publishers in order. A
// failing publisher does not stop the ones after it; their errors are
// joined.
type MultiPublisher struct {
	publishers []Publisher
	logger     *slog.Logger
}

// NewMultiPublisher combines publishers. Nil entries are skipped.
func NewMultiPublisher(logger *slog.Logger, publishers ...Publisher) *MultiPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MultiPublisher{logger: logger}
	for _, pub := range publishers {
		if pub != nil {
			m.publishers = append(m.publishers, pub)
		}
	}
	return m
}

func (p *MultiPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil {
			p.logger.Warn("[Events] Publish failed", "type", event.Type(), "call_id", event.CallID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *MultiPublisher) PublishAsync(event Event) {
	for _, pub := range p.publishers {
		pub.PublishAsync(event)
	}
}

func (p *MultiPublisher) Flush(ctx context.Context) error {
	return p.each(func(pub Publisher) error { return pub.Flush(ctx) })
}

// Close closes every publisher, last added first.
func (p *MultiPublisher) Close() error {
	var errs []error
	for i := len(p.publishers) - 1; i >= 0; i-- {
		if err := p.publishers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *MultiPublisher) each(fn func(Publisher) error) error {
	var errs []error
	for _, pub := range p.publishers {
		if err := fn(pub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
