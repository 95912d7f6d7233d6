// Package progress carries job progress events from workers to API
// subscribers. Events travel through Postgres NOTIFY so every process sees
// them; an in-process broker fans them out to SSE subscribers keyed by
// (seller, job). Delivery to subscribers is best-effort FIFO; the durable
// record of progress is the job row, not the stream.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/storage"
)

// Publisher writes events to the shared notify channel.
type Publisher struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewPublisher creates a publisher. A nil logger falls back to slog.Default.
func NewPublisher(db *storage.DB, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{db: db, logger: logger}
}

// Publish sends one event. Oversized payloads are rejected by storage before
// reaching Postgres.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("progress: marshal event: %w", err)
	}
	if err := p.db.Notify(ctx, storage.ChannelEvents, string(payload)); err != nil {
		return fmt.Errorf("progress: publish: %w", err)
	}
	return nil
}

// PublishTx sends one event inside a transaction, delivered only on commit.
func PublishTx(ctx context.Context, tx pgx.Tx, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("progress: marshal event: %w", err)
	}
	if err := storage.NotifyTx(ctx, tx, storage.ChannelEvents, string(payload)); err != nil {
		return fmt.Errorf("progress: publish tx: %w", err)
	}
	return nil
}

type streamKey struct {
	sellerID uuid.UUID
	jobID    uuid.UUID
}

type subscriber struct {
	id uint64
	ch chan model.Event
}

// Broker fans events out to in-process subscribers. Dispatch never blocks: a
// subscriber that cannot keep up loses events rather than stalling the
// stream.
type Broker struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[streamKey][]subscriber
}

// NewBroker creates a broker. A nil logger falls back to slog.Default.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{logger: logger, subs: make(map[streamKey][]subscriber)}
}

// Subscribe registers for one job's events. The returned cancel func must be
// called when the subscriber goes away.
func (b *Broker) Subscribe(sellerID, jobID uuid.UUID, buffer int) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	key := streamKey{sellerID, jobID}
	sub := subscriber{ch: make(chan model.Event, buffer)}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[key]
		for i, s := range subs {
			if s.id == sub.id {
				b.subs[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}
	return sub.ch, cancel
}

// Dispatch delivers one event to every subscriber of its (seller, job) key.
// Called from the single listener goroutine, which preserves FIFO order per
// key.
func (b *Broker) Dispatch(ev model.Event) {
	key := streamKey{ev.SellerID, ev.JobID}

	b.mu.Lock()
	subs := append([]subscriber(nil), b.subs[key]...)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("progress: subscriber buffer full, event dropped",
				"seller_id", ev.SellerID, "job_id", ev.JobID)
		}
	}
}

// Listener owns the dedicated notify connection: it forwards progress events
// to the broker and turns job-queue notifications into worker wakeups.
type Listener struct {
	db     *storage.DB
	broker *Broker
	logger *slog.Logger

	wake chan struct{}
}

// NewListener creates a listener bound to the broker.
func NewListener(db *storage.DB, broker *Broker, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{db: db, broker: broker, logger: logger, wake: make(chan struct{}, 1)}
}

// Wakeups returns the channel queue workers select on for early polls.
func (l *Listener) Wakeups() <-chan struct{} {
	return l.wake
}

// Run blocks on the notify connection until ctx is cancelled or the
// connection fails.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.db.Listen(ctx, storage.ChannelEvents); err != nil {
		return fmt.Errorf("progress: listen events: %w", err)
	}
	if err := l.db.Listen(ctx, storage.ChannelJobs); err != nil {
		return fmt.Errorf("progress: listen jobs: %w", err)
	}
	l.logger.Info("progress listener started")

	for {
		channel, payload, err := l.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("progress listener stopped")
				return ctx.Err()
			}
			return fmt.Errorf("progress: wait for notification: %w", err)
		}

		switch channel {
		case storage.ChannelEvents:
			var ev model.Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				l.logger.Warn("progress: drop malformed event", "error", err)
				continue
			}
			l.broker.Dispatch(ev)

		case storage.ChannelJobs:
			select {
			case l.wake <- struct{}{}:
			default:
			}
		}
	}
}
