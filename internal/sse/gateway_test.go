package sse

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagerline/platform/internal/bus"
	"github.com/wagerline/platform/internal/domain"
)

func newTestGateway(t *testing.T, opts bus.Options) (*Gateway, *bus.Bus) {
	t.Helper()
	b := bus.New(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return New(b, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute), b
}

func publish(t *testing.T, b *bus.Bus, n int, eventType string) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), domain.NewBusEvent(eventType, domain.EventScope{}, map[string]int{"n": i})))
	}
	b.Flush()
}

// serve runs the handler until the bus closes, then returns the response body.
func serve(t *testing.T, g *Gateway, b *bus.Bus, rec *httptest.ResponseRecorder, target string, lastEventID string) string {
	t.Helper()
	r := httptest.NewRequest("GET", target, nil)
	if lastEventID != "" {
		r.Header.Set("Last-Event-ID", lastEventID)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Handler()(rec, r)
	}()
	b.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream handler did not exit after bus close")
	}
	return rec.Body.String()
}

func TestStream_SetsEventStreamHeaders(t *testing.T) {
	g, b := newTestGateway(t, bus.Options{})
	rec := httptest.NewRecorder()
	serve(t, g, b, rec, "/stream", "")

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestStream_DeliversLiveEventsAsFrames(t *testing.T) {
	g, b := newTestGateway(t, bus.Options{})
	rec := httptest.NewRecorder()

	r := httptest.NewRequest("GET", "/stream", nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Handler()(rec, r)
	}()

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	publish(t, b, 2, domain.EventWagerPlaced)
	b.Close()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "id: 1\nevent: wager.placed\n")
	assert.Contains(t, body, "id: 2\nevent: wager.placed\n")
	assert.Contains(t, body, `"n":0`)
}

func TestStream_ResumesFromLastEventID(t *testing.T) {
	g, b := newTestGateway(t, bus.Options{RingSize: 1024})
	publish(t, b, 5, domain.EventOddsUpdated)

	rec := httptest.NewRecorder()
	body := serve(t, g, b, rec, "/stream", "2")

	assert.NotContains(t, body, "id: 2\n")
	assert.Contains(t, body, "id: 3\nevent: odds.updated\n")
	assert.Contains(t, body, "id: 4\nevent: odds.updated\n")
	assert.Contains(t, body, "id: 5\nevent: odds.updated\n")
}

func TestStream_ReplayAppliesFilter(t *testing.T) {
	g, b := newTestGateway(t, bus.Options{RingSize: 1024})
	publish(t, b, 2, domain.EventOddsUpdated)
	publish(t, b, 1, domain.EventWagerSettled)

	rec := httptest.NewRecorder()
	body := serve(t, g, b, rec, "/stream?types=wager.settled", "0")

	assert.NotContains(t, body, "odds.updated")
	assert.Contains(t, body, "id: 3\nevent: wager.settled\n")
}

func TestStream_ResyncWhenHistoryEvicted(t *testing.T) {
	g, b := newTestGateway(t, bus.Options{RingSize: 8})
	publish(t, b, 100, domain.EventOddsUpdated)

	rec := httptest.NewRecorder()
	body := serve(t, g, b, rec, "/stream", "1")

	assert.Contains(t, body, "id: 100\nevent: resync\n")
	assert.Contains(t, body, "history unavailable")
	// No stale frames were replayed.
	assert.NotContains(t, body, "odds.updated")
}

func TestStream_MalformedLastEventID(t *testing.T) {
	g, b := newTestGateway(t, bus.Options{})
	defer b.Close()
	rec := httptest.NewRecorder()

	r := httptest.NewRequest("GET", "/stream", nil)
	r.Header.Set("Last-Event-ID", "not-a-number")
	g.Handler()(rec, r)

	assert.Contains(t, rec.Body.String(), "event: error\n")
	assert.Contains(t, rec.Body.String(), "malformed Last-Event-ID")
}

func TestFilterFromQuery_ParsesDimensions(t *testing.T) {
	r := httptest.NewRequest("GET", "/stream?types=wager.placed,wager.settled&departments=sportsbook&agent_id=6b1e3d44-9a8e-4dd0-9f3c-2b45cf06f1a2", nil)
	f := filterFromQuery(r)

	assert.Equal(t, []string{"wager.placed", "wager.settled"}, f.EventTypes)
	assert.Equal(t, []string{"sportsbook"}, f.Departments)
	require.Len(t, f.AgentIDs, 1)
	assert.Equal(t, "6b1e3d44-9a8e-4dd0-9f3c-2b45cf06f1a2", strings.ToLower(f.AgentIDs[0].String()))
	assert.Empty(t, f.CustomerIDs)
}
