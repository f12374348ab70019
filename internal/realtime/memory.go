package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryTransport is an in-process Transport. It backs single-process
// deployments and tests; delivery is synchronous on the broadcaster's
// goroutine. SetOffline simulates a transport outage for degraded-mode
// paths.
type MemoryTransport struct {
	mu      sync.Mutex
	subs    map[string]map[string]map[string]func([]byte) // channel -> kind -> sub id -> fn
	offline bool
}

type memHandle struct {
	name   string
	subIDs []string
}

func (h *memHandle) Name() string { return h.name }

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs: make(map[string]map[string]map[string]func([]byte)),
	}
}

// SetOffline toggles simulated unavailability. While offline, Open and
// Broadcast fail with ErrUnavailable; existing subscriptions are kept.
func (t *MemoryTransport) SetOffline(offline bool) {
	t.mu.Lock()
	t.offline = offline
	t.mu.Unlock()
}

func (t *MemoryTransport) Open(_ context.Context, channel string) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offline {
		return nil, ErrUnavailable
	}
	return &memHandle{name: channel}, nil
}

func (t *MemoryTransport) Close(h Handle) error {
	mh, ok := h.(*memHandle)
	if !ok {
		return fmt.Errorf("realtime: foreign handle %T", h)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	kinds := t.subs[mh.name]
	for _, kind := range kinds {
		for _, id := range mh.subIDs {
			delete(kind, id)
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(h Handle, kind string, fn func(data []byte)) error {
	mh, ok := h.(*memHandle)
	if !ok {
		return fmt.Errorf("realtime: foreign handle %T", h)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[mh.name]; !ok {
		t.subs[mh.name] = make(map[string]map[string]func([]byte))
	}
	if _, ok := t.subs[mh.name][kind]; !ok {
		t.subs[mh.name][kind] = make(map[string]func([]byte))
	}
	subID := uuid.New().String()
	t.subs[mh.name][kind][subID] = fn
	mh.subIDs = append(mh.subIDs, subID)
	return nil
}

func (t *MemoryTransport) Broadcast(h Handle, kind string, payload []byte) error {
	t.mu.Lock()
	if t.offline {
		t.mu.Unlock()
		return ErrUnavailable
	}
	var targets []func([]byte)
	if kinds, ok := t.subs[h.Name()]; ok {
		for _, fn := range kinds[kind] {
			targets = append(targets, fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range targets {
		fn(payload)
	}
	return nil
}

// Publish delivers a payload to a channel's subscribers without a handle.
// Tests use it to inject server-originated events.
func (t *MemoryTransport) Publish(channel, kind string, payload []byte) {
	_ = t.Broadcast(&memHandle{name: channel}, kind, payload)
}
