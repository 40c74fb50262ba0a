package event

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHeartbeat = 15 * time.Second
	defaultClientBuf = 32
)

// Filter selects which bus events an SSE client receives. The zero value
// matches everything.
type Filter struct {
	// AgentID limits delivery to one agent's events. Lifecycle batches
	// match when the agent is among their AgentIDs.
	AgentID uuid.UUID
	// Types limits delivery to the listed event types.
	Types []EventType
}

// ParseFilter reads agent_id, type and category from an /events query.
// type and category accept repeated or comma-separated values.
func ParseFilter(q url.Values) (Filter, error) {
	var f Filter
	if raw := strings.TrimSpace(q.Get("agent_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Filter{}, fmt.Errorf("event: invalid agent_id %q", raw)
		}
		f.AgentID = id
	}
	for _, raw := range splitValues(q["type"]) {
		t := EventType(raw)
		if _, ok := typeToCategory[t]; !ok {
			return Filter{}, fmt.Errorf("event: unknown type %q", raw)
		}
		if !slices.Contains(f.Types, t) {
			f.Types = append(f.Types, t)
		}
	}
	for _, raw := range splitValues(q["category"]) {
		types := typesOf(Category(raw))
		if len(types) == 0 {
			return Filter{}, fmt.Errorf("event: unknown category %q", raw)
		}
		for _, t := range types {
			if !slices.Contains(f.Types, t) {
				f.Types = append(f.Types, t)
			}
		}
	}
	return f, nil
}

// Match reports whether evt passes the agent filter. Types are applied when
// the filter subscribes.
func (f Filter) Match(evt Event) bool {
	if f.AgentID == uuid.Nil || evt.AgentID == f.AgentID {
		return true
	}
	if data, ok := evt.Data.(AgentsData); ok {
		return slices.Contains(data.AgentIDs, f.AgentID)
	}
	return false
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func typesOf(c Category) []EventType {
	var out []EventType
	for t, cat := range typeToCategory {
		if cat == c {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// Stream serves bus events as Server-Sent Events. Every client forwards into
// its own buffer, so a stalled reader loses events instead of holding up
// Emit.
type Stream struct {
	bus       *Bus
	heartbeat time.Duration
	clientBuf int
	clients   atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream serves events published on bus.
func NewStream(bus *Bus) *Stream {
	return &Stream{
		bus:       bus,
		heartbeat: defaultHeartbeat,
		clientBuf: defaultClientBuf,
		done:      make(chan struct{}),
	}
}

// SetHeartbeat sets the keep-alive comment interval; <=0 disables it.
func (s *Stream) SetHeartbeat(d time.Duration) {
	if s == nil {
		return
	}
	s.heartbeat = max(d, 0)
}

// Clients reports how many SSE connections are open.
func (s *Stream) Clients() int {
	if s == nil {
		return 0
	}
	return int(s.clients.Load())
}

// Close ends every open connection. It is safe to call more than once.
func (s *Stream) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() { close(s.done) })
}

// ServeHTTP streams events matching the request's filter until the client
// goes away or the stream is closed.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.bus == nil {
		http.Error(w, "event: stream not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "event: response does not support streaming", http.StatusInternalServerError)
		return
	}
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sink := make(chan Event, s.clientBuf)
	stop, err := s.bus.Forward(sink, filter.Match, filter.Types...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer stop()
	s.clients.Add(1)
	defer s.clients.Add(-1)

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	if filter.AgentID != uuid.Nil {
		_, _ = fmt.Fprintf(w, ": connected agent=%s\n\n", filter.AgentID)
	} else {
		_, _ = io.WriteString(w, ": connected\n\n")
	}
	flusher.Flush()

	var beat <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		beat = ticker.C
	}
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case evt := <-sink:
			if err := writeEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case now := <-beat:
			if _, err := fmt.Fprintf(w, ": ping %d\n\n", now.Unix()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent encodes evt as one SSE frame named after its type.
func writeEvent(w io.Writer, evt Event) error {
	evt = normalizeEvent(evt)
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("event: encode %s: %w", evt.Type, err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, body)
	return err
}
