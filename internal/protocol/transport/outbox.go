package transport

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingRequest tracks one request awaiting its reply.
type PendingRequest struct {
	RequestID     string
	Kind          string
	Subject       string
	QueuedAt      time.Time
	AckDeadlineAt time.Time
}

// Outbox stores pending requests by stable request id.
type Outbox struct {
	mu    sync.RWMutex
	items map[string]PendingRequest
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[string]PendingRequest),
	}
}

func (o *Outbox) Upsert(item PendingRequest) {
	key := strings.TrimSpace(item.RequestID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

// Take removes and returns the pending request, if any.
func (o *Outbox) Take(requestID string) (PendingRequest, bool) {
	key := strings.TrimSpace(requestID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if ok {
		delete(o.items, key)
	}
	return item, ok
}

func (o *Outbox) Get(requestID string) (PendingRequest, bool) {
	key := strings.TrimSpace(requestID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// Expire removes and returns every request whose deadline is at or before now,
// ordered by deadline.
func (o *Outbox) Expire(now time.Time) []PendingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []PendingRequest
	for key, item := range o.items {
		if item.AckDeadlineAt.IsZero() || item.AckDeadlineAt.After(now) {
			continue
		}
		out = append(out, item)
		delete(o.items, key)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AckDeadlineAt.Before(out[j].AckDeadlineAt)
	})
	return out
}

// Clear drops every pending request and returns them.
func (o *Outbox) Clear() []PendingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingRequest, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	o.items = make(map[string]PendingRequest)
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestID < out[j].RequestID
	})
	return out
}
