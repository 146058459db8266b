package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crabstack.local/crab-relay/internal/adapter/adaptertest"
	"crabstack.local/crab-relay/internal/credentials"
	"crabstack.local/crab-relay/internal/types"
)

const waitTimeout = 2 * time.Second

// recorder stands in for the relay: it commits, numbers and records events.
type recorder struct {
	mu     sync.Mutex
	seq    map[string]uint64
	events []types.Event
	ch     chan types.Event
	hook   func(types.Event)
}

func newRecorder() *recorder {
	return &recorder{
		seq: make(map[string]uint64),
		ch:  make(chan types.Event, 1024),
	}
}

func (r *recorder) Publish(ev types.Event, commit func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hook != nil {
		r.hook(ev)
	}
	commit()
	r.seq[ev.TenantID]++
	ev.Seq = r.seq[ev.TenantID]
	r.events = append(r.events, ev)
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *recorder) forTenant(tenantID string) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Event
	for _, ev := range r.events {
		if ev.TenantID == tenantID {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) await(t *testing.T, match func(types.Event) bool) types.Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
			return types.Event{}
		}
	}
}

func isStatus(tenantID string, state types.SessionState) func(types.Event) bool {
	return func(ev types.Event) bool {
		return ev.TenantID == tenantID && ev.Type == types.EventTypeStatus && ev.State == state
	}
}

func isType(tenantID string, eventType types.EventType) func(types.Event) bool {
	return func(ev types.Event) bool {
		return ev.TenantID == tenantID && ev.Type == eventType
	}
}

type harness struct {
	registry *Registry
	factory  *adaptertest.Factory
	store    *credentials.MemoryStore
	rec      *recorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.CommandTimeout = time.Second
	cfg.Shards = 4
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		factory: adaptertest.NewFactory(),
		store:   credentials.NewMemoryStore(),
		rec:     newRecorder(),
	}
	h.registry = NewRegistry(cfg, h.factory, h.store, h.rec, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.registry.Shutdown(ctx)
	})
	return h
}

func (h *harness) connect(t *testing.T, tenantID string) *adaptertest.Adapter {
	t.Helper()
	if _, err := h.registry.Connect(context.Background(), tenantID); err != nil {
		t.Fatalf("connect %s: %v", tenantID, err)
	}
	a := h.factory.Next(waitTimeout)
	if a == nil {
		t.Fatalf("expected adapter for %s", tenantID)
	}
	waitFor(t, "adapter start", a.Started)
	return a
}

func (h *harness) connectAuthenticated(t *testing.T, tenantID string) *adaptertest.Adapter {
	t.Helper()
	a := h.connect(t, tenantID)
	a.EmitAuthenticated(types.Account{ExternalID: tenantID + "@remote", DisplayName: "Front Desk"})
	h.rec.await(t, isStatus(tenantID, types.SessionStateConnected))
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
