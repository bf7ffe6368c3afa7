// Package sse adapts the event bus to long-lived Server-Sent-Event streams.
// Each connection owns one bus subscription; reconnects resume from the
// Last-Event-ID sequence when the bus ring still holds it, otherwise the
// client gets a resync event and must refetch snapshot state.
package sse

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wagerline/platform/internal/bus"
	"github.com/wagerline/platform/internal/domain"
)

// Gateway serves /stream.
type Gateway struct {
	bus       *bus.Bus
	logger    *slog.Logger
	heartbeat time.Duration
}

// New creates the gateway. heartbeat is the comment-frame cadence.
func New(b *bus.Bus, logger *slog.Logger, heartbeat time.Duration) *Gateway {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Gateway{bus: b, logger: logger, heartbeat: heartbeat}
}

// Handler returns the streaming endpoint.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		filter := filterFromQuery(r)
		// Subscribe before replaying so nothing published in between is lost;
		// lastSeq deduplicates the overlap.
		sub := g.bus.Subscribe(filter, bus.DropOldest, 0)
		defer g.bus.Unsubscribe(sub)

		var lastSeq int64
		if raw := r.Header.Get("Last-Event-ID"); raw != "" {
			last, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				g.writeFrame(w, 0, "error", []byte(`{"message":"malformed Last-Event-ID"}`))
				flusher.Flush()
				return
			}
			backlog, ok := g.bus.ReplayFrom(last)
			if !ok {
				g.writeFrame(w, g.bus.Sequence(), domain.EventResync, []byte(`{"reason":"history unavailable"}`))
				lastSeq = g.bus.Sequence()
			} else {
				for _, ev := range backlog {
					if !filter.Matches(ev) {
						continue
					}
					g.writeFrame(w, ev.Sequence, ev.Type, ev.Payload)
					lastSeq = ev.Sequence
				}
			}
			flusher.Flush()
		}

		ticker := time.NewTicker(g.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-sub.C():
				if !open {
					return
				}
				if ev.Sequence <= lastSeq {
					continue
				}
				g.writeFrame(w, ev.Sequence, ev.Type, ev.Payload)
				lastSeq = ev.Sequence
				flusher.Flush()
			case <-ticker.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			}
		}
	}
}

func (g *Gateway) writeFrame(w http.ResponseWriter, seq int64, eventType string, payload []byte) {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, eventType, payload)
}

// filterFromQuery builds a subscription filter from the query string:
// ?types=a,b&departments=x&agent_id=...&customer_id=...
func filterFromQuery(r *http.Request) domain.SubscriptionFilter {
	f := domain.SubscriptionFilter{}
	if types := r.URL.Query()["types"]; len(types) > 0 {
		for _, t := range types {
			f.EventTypes = append(f.EventTypes, splitCSV(t)...)
		}
	}
	if deps := r.URL.Query()["departments"]; len(deps) > 0 {
		for _, d := range deps {
			f.Departments = append(f.Departments, splitCSV(d)...)
		}
	}
	if raw := r.URL.Query().Get("agent_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			f.AgentIDs = append(f.AgentIDs, id)
		}
	}
	if raw := r.URL.Query().Get("customer_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			f.CustomerIDs = append(f.CustomerIDs, id)
		}
	}
	return f
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
