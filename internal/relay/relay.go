// Package relay bridges the in-process bus to Kafka for the chat-bot
// adapter. It consumes the full event stream, writes one message per event
// to a type-derived topic, and checkpoints its bus position in the store so
// a restart resumes from the ring buffer instead of re-publishing.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/wagerline/platform/internal/bus"
	"github.com/wagerline/platform/internal/domain"
	"github.com/wagerline/platform/internal/store"
)

// consumerName keys the relay's checkpoint row.
const consumerName = "kafka-relay"

// Relay streams bus events to Kafka.
type Relay struct {
	bus    *bus.Bus
	store  store.Store
	writer *kafka.Writer
	logger *slog.Logger
	prefix string

	sub  *bus.Subscription
	done chan struct{}
}

// New creates a relay writing to the given brokers. prefix heads every topic
// name ("wagerline" → "wagerline.wager.settled").
func New(b *bus.Bus, st store.Store, brokers []string, prefix string, logger *slog.Logger) *Relay {
	return &Relay{
		bus:   b,
		store: st,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
		},
		logger: logger,
		prefix: prefix,
		done:   make(chan struct{}),
	}
}

// Start replays any backlog past the stored checkpoint, then follows the
// live stream until Close.
func (r *Relay) Start(ctx context.Context) error {
	var checkpoint int64
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		checkpoint, err = r.store.BusCheckpoints().Get(tx, consumerName)
		return err
	})
	if err != nil {
		return err
	}

	// Subscribe before replaying so no event falls between backlog and live.
	r.sub = r.bus.Subscribe(domain.SubscriptionFilter{}, bus.BlockPublisher, 100*time.Millisecond)

	backlog, ok := r.bus.ReplayFrom(checkpoint)
	if !ok && checkpoint > 0 {
		r.logger.Warn("relay checkpoint behind ring buffer; events lost", "checkpoint", checkpoint)
	}

	go r.run(ctx, backlog, checkpoint)
	return nil
}

func (r *Relay) run(ctx context.Context, backlog []domain.BusEvent, checkpoint int64) {
	defer close(r.done)

	last := checkpoint
	for _, ev := range backlog {
		if err := r.forward(ctx, ev); err != nil {
			r.logger.Error("relay backlog write failed", "sequence", ev.Sequence, "error", err)
			continue
		}
		last = ev.Sequence
	}
	r.saveCheckpoint(ctx, last)

	for {
		select {
		case ev, open := <-r.sub.C():
			if !open {
				r.saveCheckpoint(context.Background(), last)
				return
			}
			if ev.Sequence <= last {
				continue
			}
			if err := r.forward(ctx, ev); err != nil {
				r.logger.Error("relay write failed", "sequence", ev.Sequence, "error", err)
				continue
			}
			last = ev.Sequence
			r.saveCheckpoint(ctx, last)
		case <-ctx.Done():
			r.saveCheckpoint(context.Background(), last)
			return
		}
	}
}

// forward writes one event. The topic is prefix.<event type with dots kept>;
// the key pins per-entity ordering to one partition.
func (r *Relay) forward(ctx context.Context, ev domain.BusEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.Sequence, err)
	}
	return r.writer.WriteMessages(ctx, kafka.Message{
		Topic: r.topicFor(ev),
		Key:   []byte(keyFor(ev)),
		Value: value,
	})
}

func (r *Relay) topicFor(ev domain.BusEvent) string {
	scope := "all"
	if ev.Scope.Department != "" {
		scope = ev.Scope.Department
	}
	return r.prefix + "." + scope + "." + strings.ReplaceAll(ev.Type, ".", "-")
}

func keyFor(ev domain.BusEvent) string {
	switch {
	case ev.Scope.CustomerID != uuid.Nil:
		return ev.Scope.CustomerID.String()
	case ev.Scope.AgentID != uuid.Nil:
		return ev.Scope.AgentID.String()
	}
	return ev.Type
}

func (r *Relay) saveCheckpoint(ctx context.Context, seq int64) {
	if seq == 0 {
		return
	}
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		return r.store.BusCheckpoints().Put(tx, consumerName, seq)
	})
	if err != nil {
		r.logger.Warn("relay checkpoint save failed", "sequence", seq, "error", err)
	}
}

// Close unsubscribes, waits for the loop to drain and closes the writer.
func (r *Relay) Close() error {
	r.bus.Unsubscribe(r.sub)
	<-r.done
	return r.writer.Close()
}
