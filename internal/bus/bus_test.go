package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagerline/platform/internal/domain"
)

func newTestBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	b := New(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(b.Close)
	return b
}

func publishN(t *testing.T, b *Bus, n int, eventType string) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), domain.NewBusEvent(eventType, domain.EventScope{}, map[string]int{"n": i})))
	}
	b.Flush()
}

func TestBus_SequencesAreDenseAndOrdered(t *testing.T) {
	b := newTestBus(t, Options{})
	sub := b.Subscribe(domain.SubscriptionFilter{}, DropOldest, 0)

	publishN(t, b, 10, domain.EventWagerPlaced)

	for want := int64(1); want <= 10; want++ {
		ev := <-sub.C()
		assert.Equal(t, want, ev.Sequence)
		assert.Equal(t, domain.EventWagerPlaced, ev.Type)
	}
	assert.Equal(t, int64(10), b.Sequence())
}

func TestBus_FilterIsConjunction(t *testing.T) {
	b := newTestBus(t, Options{})
	agentID := uuid.New()
	sub := b.Subscribe(domain.SubscriptionFilter{
		EventTypes: []string{domain.EventWagerSettled},
		AgentIDs:   []uuid.UUID{agentID},
	}, DropOldest, 0)

	require.NoError(t, b.Publish(context.Background(), domain.NewBusEvent(domain.EventWagerSettled, domain.EventScope{AgentID: uuid.New()}, nil)))
	require.NoError(t, b.Publish(context.Background(), domain.NewBusEvent(domain.EventWagerPlaced, domain.EventScope{AgentID: agentID}, nil)))
	require.NoError(t, b.Publish(context.Background(), domain.NewBusEvent(domain.EventWagerSettled, domain.EventScope{AgentID: agentID}, nil)))
	b.Flush()

	ev := <-sub.C()
	assert.Equal(t, domain.EventWagerSettled, ev.Type)
	assert.Equal(t, agentID, ev.Scope.AgentID)
	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected event %s seq %d", extra.Type, extra.Sequence)
	default:
	}
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	b := newTestBus(t, Options{BufferSize: 4})
	slow := b.Subscribe(domain.SubscriptionFilter{
		EventTypes: []string{domain.EventOddsUpdated},
	}, DropOldest, 0)

	publishN(t, b, 10, domain.EventOddsUpdated)

	assert.Equal(t, int64(6), slow.LagCount())

	// The survivors are the newest four events, still in order.
	var got []domain.BusEvent
	for len(got) < 4 {
		got = append(got, <-slow.C())
	}
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Sequence, got[i-1].Sequence)
	}
	var last struct {
		N int `json:"n"`
	}
	require.NoError(t, json.Unmarshal(got[3].Payload, &last))
	assert.Equal(t, 9, last.N)
}

func TestBus_LaggedMetaEventEmitted(t *testing.T) {
	b := newTestBus(t, Options{BufferSize: 2})
	slow := b.Subscribe(domain.SubscriptionFilter{
		EventTypes: []string{domain.EventOddsUpdated},
	}, DropOldest, 0)
	watcher := b.Subscribe(domain.SubscriptionFilter{
		EventTypes: []string{domain.EventSubscriberLagged},
	}, DropOldest, 0)

	publishN(t, b, 8, domain.EventOddsUpdated)

	require.Positive(t, slow.LagCount())
	select {
	case ev := <-watcher.C():
		assert.Equal(t, domain.EventSubscriberLagged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no subscriber.lagged meta-event delivered")
	}
}

func TestBus_BlockPublisherWaitsThenDrops(t *testing.T) {
	b := newTestBus(t, Options{BufferSize: 1})
	sub := b.Subscribe(domain.SubscriptionFilter{
		EventTypes: []string{domain.EventWagerPlaced},
	}, BlockPublisher, 20*time.Millisecond)

	publishN(t, b, 2, domain.EventWagerPlaced)

	// Second delivery waited for room that never came, so it displaced the
	// first event.
	assert.Equal(t, int64(1), sub.LagCount())
	ev := <-sub.C()
	assert.Equal(t, int64(2), ev.Sequence)
}

func TestBus_ReplayFromRing(t *testing.T) {
	b := newTestBus(t, Options{RingSize: 1024})
	publishN(t, b, 120, domain.EventOddsUpdated)

	events, ok := b.ReplayFrom(100)
	require.True(t, ok)
	require.Len(t, events, 20)
	assert.Equal(t, int64(101), events[0].Sequence)
	assert.Equal(t, int64(120), events[len(events)-1].Sequence)
}

func TestBus_ReplayUpToDateReturnsEmpty(t *testing.T) {
	b := newTestBus(t, Options{})
	publishN(t, b, 5, domain.EventOddsUpdated)

	events, ok := b.ReplayFrom(5)
	assert.True(t, ok)
	assert.Empty(t, events)
}

func TestBus_ReplayBeyondRingDemandsResync(t *testing.T) {
	b := newTestBus(t, Options{RingSize: 16})
	publishN(t, b, 100, domain.EventOddsUpdated)

	_, ok := b.ReplayFrom(10)
	assert.False(t, ok)

	// The retained tail is still replayable.
	events, ok := b.ReplayFrom(90)
	require.True(t, ok)
	assert.Len(t, events, 10)
	assert.Equal(t, int64(91), events[0].Sequence)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := newTestBus(t, Options{})
	sub := b.Subscribe(domain.SubscriptionFilter{}, DropOldest, 0)

	b.Unsubscribe(sub)
	b.Flush()

	_, open := <-sub.C()
	assert.False(t, open)

	// Idempotent.
	b.Unsubscribe(sub)
}

func TestBus_CloseFlushesAndClosesSubscribers(t *testing.T) {
	b := New(Options{GracePeriod: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sub := b.Subscribe(domain.SubscriptionFilter{}, DropOldest, 0)
	require.NoError(t, b.Publish(context.Background(), domain.NewBusEvent(domain.EventWagerPlaced, domain.EventScope{}, nil)))

	b.Close()

	ev, open := <-sub.C()
	require.True(t, open)
	assert.Equal(t, int64(1), ev.Sequence)
	_, open = <-sub.C()
	assert.False(t, open)
}

func TestBus_PublishAfterCloseFails(t *testing.T) {
	b := New(Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.Close()

	err := b.Publish(context.Background(), domain.NewBusEvent(domain.EventWagerPlaced, domain.EventScope{}, nil))
	require.Error(t, err)
	assert.Equal(t, domain.KindBackpressure, domain.KindOf(err))
}
