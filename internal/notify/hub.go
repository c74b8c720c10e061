// Package notify fans export progress out to live subscribers and sends a
// push notification when an export finishes.
package notify

import (
	"io"
	"log/slog"
	"sync"

	"github.com/heimdex/heimdex-render/internal/export"
)

const (
	DefaultBuffer = 16
	// finished exports whose last update is retained for late subscribers
	retainFinished = 256
)

// Hub delivers progress updates per export. Slow subscribers lose their
// oldest queued updates, never the newest.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[string]map[*Subscription]struct{}
	latest   map[string]export.Progress
	finished []string
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		buffer: buffer,
		logger: logger,
		subs:   make(map[string]map[*Subscription]struct{}),
		latest: make(map[string]export.Progress),
	}
}

// Subscription receives the updates of one export. Its channel is closed
// after the terminal update or when Close is called.
type Subscription struct {
	hub      *Hub
	exportID string
	ch       chan export.Progress
	closed   bool
}

func (s *Subscription) Updates() <-chan export.Progress {
	return s.ch
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.remove(s)
}

// Subscribe starts receiving updates for exportID. The latest known update,
// if any, is delivered first.
func (h *Hub) Subscribe(exportID string) *Subscription {
	s := &Subscription{hub: h, exportID: exportID, ch: make(chan export.Progress, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()

	last, ok := h.latest[exportID]
	if ok {
		s.ch <- last
		if last.Done {
			s.closed = true
			close(s.ch)
			return s
		}
	}
	if h.subs[exportID] == nil {
		h.subs[exportID] = make(map[*Subscription]struct{})
	}
	h.subs[exportID][s] = struct{}{}
	return s
}

// Latest returns the most recent update seen for exportID.
func (h *Hub) Latest(exportID string) (export.Progress, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.latest[exportID]
	return p, ok
}

// Publish implements the runner's progress publisher.
func (h *Hub) Publish(p export.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.latest[p.ExportID]; ok && prev.Done {
		return
	}
	h.latest[p.ExportID] = p

	dropped := 0
	for s := range h.subs[p.ExportID] {
		if !offer(s.ch, p) {
			dropped++
		}
		if p.Done {
			h.remove(s)
		}
	}
	if dropped > 0 {
		h.logger.Debug("dropped progress for slow subscribers", "export_id", p.ExportID, "subscribers", dropped)
	}

	if p.Done {
		h.finished = append(h.finished, p.ExportID)
		if len(h.finished) > retainFinished {
			delete(h.latest, h.finished[0])
			h.finished = h.finished[1:]
		}
	}
}

// Subscribers reports how many live subscriptions exportID has.
func (h *Hub) Subscribers(exportID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[exportID])
}

// offer queues p, evicting the oldest queued update when full. It reports
// false when something was evicted.
func offer(ch chan export.Progress, p export.Progress) bool {
	select {
	case ch <- p:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
	return false
}

// remove must be called with h.mu held.
func (h *Hub) remove(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if set := h.subs[s.exportID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.exportID)
		}
	}
}
