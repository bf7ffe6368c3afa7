// Package bus is the process-local publish/subscribe fabric. One worker
// goroutine assigns each published event a dense monotonic sequence and
// delivers it to every matching subscriber in FIFO order. Subscribers own
// bounded buffers; a full buffer either drops its oldest event or blocks the
// worker for a bounded wait, and both paths emit a subscriber.lagged
// meta-event. A ring buffer of recent events supports reconnect replay.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wagerline/platform/internal/domain"
)

// DeliveryMode selects the full-buffer policy for a subscription.
type DeliveryMode int

const (
	// DropOldest evicts the subscriber's oldest queued event. Default.
	DropOldest DeliveryMode = iota
	// BlockPublisher stalls delivery up to the subscription's wait budget,
	// then falls back to DropOldest.
	BlockPublisher
)

// Subscription is a registered consumer with its filter and buffer.
type Subscription struct {
	id     uint64
	filter domain.SubscriptionFilter
	mode   DeliveryMode
	wait   time.Duration
	ch     chan domain.BusEvent
	lagged atomic.Int64
}

// C returns the subscriber's delivery channel. Closed on unsubscribe or bus
// shutdown.
func (s *Subscription) C() <-chan domain.BusEvent { return s.ch }

// LagCount reports how many times this subscriber's buffer overflowed.
func (s *Subscription) LagCount() int64 { return s.lagged.Load() }

type control struct {
	ev    *domain.BusEvent
	unsub uint64
	flush chan struct{}
}

// Options tune a Bus instance.
type Options struct {
	BufferSize  int           // per-subscriber buffer, default 256
	RingSize    int           // replayable history, default 1024
	InboxSize   int           // publisher queue ahead of the worker
	GracePeriod time.Duration // shutdown flush budget
}

// Bus is the event fabric. Create with New; Close releases the worker.
type Bus struct {
	opts   Options
	logger *slog.Logger

	in     chan control
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	mu      sync.Mutex
	seq     int64
	nextSub uint64
	subs    map[uint64]*Subscription
	ring    []domain.BusEvent // dense slice ordered by sequence
}

// New starts the bus worker.
func New(opts Options, logger *slog.Logger) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.RingSize <= 0 {
		opts.RingSize = 1024
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 1024
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 2 * time.Second
	}
	b := &Bus{
		opts:   opts,
		logger: logger,
		in:     make(chan control, opts.InboxSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		subs:   make(map[uint64]*Subscription),
	}
	go b.run()
	return b
}

// Publish enqueues an event for sequencing and delivery. It blocks while the
// worker inbox is full until ctx expires, then fails with backpressure.
func (b *Bus) Publish(ctx context.Context, ev domain.BusEvent) error {
	if b.closed.Load() {
		return domain.ErrBackpressure("event bus is shut down")
	}
	select {
	case b.in <- control{ev: &ev}:
		return nil
	default:
	}
	select {
	case b.in <- control{ev: &ev}:
		return nil
	case <-ctx.Done():
		return domain.ErrBackpressure("event bus inbox full")
	case <-b.quit:
		return domain.ErrBackpressure("event bus is shut down")
	}
}

// Subscribe registers a filtered consumer. wait only applies to
// BlockPublisher mode.
func (b *Bus) Subscribe(filter domain.SubscriptionFilter, mode DeliveryMode, wait time.Duration) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	sub := &Subscription{
		id:     b.nextSub,
		filter: filter,
		mode:   mode,
		wait:   wait,
		ch:     make(chan domain.BusEvent, b.opts.BufferSize),
	}
	// A subscription taken after shutdown gets a closed channel instead of
	// one that never delivers and never closes.
	if b.closed.Load() {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and eventually closes its channel.
// Idempotent; safe while the worker is delivering.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	select {
	case b.in <- control{unsub: sub.id}:
	case <-b.done:
	}
}

// Flush blocks until every event published before the call is delivered.
func (b *Bus) Flush() {
	ack := make(chan struct{})
	select {
	case b.in <- control{flush: ack}:
		<-ack
	case <-b.done:
	}
}

// Close stops intake, flushes queued events for up to the grace period, then
// closes all subscriber channels.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		<-b.done
		return
	}
	close(b.quit)
	<-b.done
}

// Sequence returns the last assigned sequence number.
func (b *Bus) Sequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// ReplayFrom returns all retained events with sequence > last. ok is false
// when the ring no longer reaches back to last+1 and the caller must resync.
func (b *Bus) ReplayFrom(last int64) ([]domain.BusEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if last >= b.seq {
		return nil, true
	}
	if len(b.ring) == 0 || b.ring[0].Sequence > last+1 {
		return nil, false
	}
	start := int(last + 1 - b.ring[0].Sequence)
	out := make([]domain.BusEvent, len(b.ring)-start)
	copy(out, b.ring[start:])
	return out, true
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case c := <-b.in:
			b.handle(c)
		case <-b.quit:
			b.drain()
			b.closeAll()
			return
		}
	}
}

// drain flushes queued controls until the inbox is empty or the grace
// period ends.
func (b *Bus) drain() {
	deadline := time.NewTimer(b.opts.GracePeriod)
	defer deadline.Stop()
	for {
		select {
		case c := <-b.in:
			b.handle(c)
		case <-deadline.C:
			return
		default:
			return
		}
	}
}

// closeAll closes every subscriber channel after the final drain.
func (b *Bus) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[uint64]*Subscription{}
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
}

func (b *Bus) handle(c control) {
	switch {
	case c.ev != nil:
		b.dispatch(*c.ev, false)
	case c.unsub != 0:
		b.mu.Lock()
		sub, ok := b.subs[c.unsub]
		if ok {
			delete(b.subs, c.unsub)
		}
		b.mu.Unlock()
		if ok {
			close(sub.ch)
		}
	case c.flush != nil:
		close(c.flush)
	}
}

// dispatch assigns the sequence, records the event in the ring and delivers
// it. meta guards against lagged events recursively emitting more lagged
// events.
func (b *Bus) dispatch(ev domain.BusEvent, meta bool) {
	b.mu.Lock()
	b.seq++
	ev.Sequence = b.seq
	b.ring = append(b.ring, ev)
	if len(b.ring) > b.opts.RingSize {
		b.ring = b.ring[len(b.ring)-b.opts.RingSize:]
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(ev) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if b.deliver(sub, ev) && !meta {
			sub.lagged.Add(1)
			b.dispatch(domain.NewBusEvent(domain.EventSubscriberLagged, domain.EventScope{}, map[string]any{
				"subscriber": sub.id,
				"dropped_at": ev.Sequence,
			}), true)
		}
	}
}

// deliver pushes ev into the subscriber buffer, honoring the subscription's
// full-buffer policy. Returns true when the subscriber lagged.
func (b *Bus) deliver(sub *Subscription, ev domain.BusEvent) (laggedDelivery bool) {
	select {
	case sub.ch <- ev:
		return false
	default:
	}

	if sub.mode == BlockPublisher && sub.wait > 0 {
		t := time.NewTimer(sub.wait)
		select {
		case sub.ch <- ev:
			t.Stop()
			// The publisher stalled but nothing was lost.
			return true
		case <-t.C:
		}
	}

	// Drop the subscriber's oldest queued event to make room.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		b.logger.Warn("event dropped entirely", "subscriber", sub.id, "sequence", ev.Sequence)
	}
	return true
}
