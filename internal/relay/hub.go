// Package relay fans session events out to the live subscribers of each
// tenant. Every tenant has its own topic; publishing, replay on join and
// eviction for one tenant are serialised by that topic's lock only.
package relay

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"crabstack.local/crab-relay/internal/metrics"
	"crabstack.local/crab-relay/internal/types"
)

const (
	defaultSubscriberBuffer = 256
	minSubscriberBuffer     = 4
)

const (
	CloseReasonUnsubscribed = "unsubscribed"
	CloseReasonOverflow     = "overflow"
	CloseReasonShutdown     = "shutdown"
)

// SnapshotSource supplies the state replayed to joining subscribers.
type SnapshotSource interface {
	Snapshot(tenantID string) (types.Snapshot, bool)
}

// Sink receives every event of every tenant after fan-out.
type Sink interface {
	Dispatch(ctx context.Context, ev types.Event)
}

type Options struct {
	SubscriberBuffer int
	Sink             Sink
	Logger           zerolog.Logger
}

type Hub struct {
	bufferSize int
	sink       Sink
	logger     zerolog.Logger
	source     atomic.Pointer[sourceHolder]

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
	nextID atomic.Uint64
}

type sourceHolder struct {
	source SnapshotSource
}

type topic struct {
	// refs counts callers between acquire and release; guarded by Hub.mu.
	refs int

	mu   sync.Mutex
	seq  uint64
	subs map[uint64]*Subscription
}

func NewHub(opts Options) *Hub {
	size := opts.SubscriberBuffer
	if size <= 0 {
		size = defaultSubscriberBuffer
	}
	if size < minSubscriberBuffer {
		size = minSubscriberBuffer
	}
	return &Hub{
		bufferSize: size,
		sink:       opts.Sink,
		logger:     opts.Logger.With().Str("component", "relay").Logger(),
		topics:     make(map[string]*topic),
	}
}

// SetSnapshotSource wires the registry in after construction; the registry
// itself publishes through the hub.
func (h *Hub) SetSnapshotSource(source SnapshotSource) {
	h.source.Store(&sourceHolder{source: source})
}

// acquire pins the tenant's topic until release. With create unset a
// missing topic is reported as absent.
func (h *Hub) acquire(tenantID string, create bool) (*topic, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	t, ok := h.topics[tenantID]
	if !ok {
		if !create {
			return nil, false
		}
		t = &topic{subs: make(map[uint64]*Subscription)}
		h.topics[tenantID] = t
	}
	t.refs++
	return t, true
}

// release unpins t and drops it once nobody holds it, it has no subscribers
// and the tenant has no live session. Lock order: Hub.mu, topic.mu, then
// whatever the snapshot source locks.
func (h *Hub) release(tenantID string, t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t.refs--
	if t.refs > 0 || h.topics[tenantID] != t {
		return
	}
	t.mu.Lock()
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty && !h.sessionLive(tenantID) {
		delete(h.topics, tenantID)
	}
}

func (h *Hub) sessionLive(tenantID string) bool {
	holder := h.source.Load()
	if holder == nil || holder.source == nil {
		return false
	}
	_, ok := holder.source.Snapshot(tenantID)
	return ok
}

func (h *Hub) topicCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// Publish numbers ev within its tenant, runs commit, and delivers ev to every
// subscriber of that tenant. It never blocks on a slow subscriber: one whose
// buffer is full is evicted.
func (h *Hub) Publish(ev types.Event, commit func()) {
	tenantID := strings.TrimSpace(ev.TenantID)
	t, ok := h.acquire(tenantID, true)
	if !ok {
		if commit != nil {
			commit()
		}
		return
	}
	defer h.release(tenantID, t)

	t.mu.Lock()
	if commit != nil {
		commit()
	}
	t.seq++
	ev.Seq = t.seq
	for id, sub := range t.subs {
		select {
		case sub.events <- ev:
		default:
			delete(t.subs, id)
			sub.closeLocked(CloseReasonOverflow)
			metrics.RecordRelayEviction()
			h.logger.Warn().Str("tenant_id", tenantID).Uint64("subscriber_id", id).Msg("evicted slow subscriber")
		}
	}
	t.mu.Unlock()

	metrics.RecordRelayEvent(string(ev.Type))
	if h.sink != nil {
		h.sink.Dispatch(context.Background(), ev)
	}
}

// Subscribe registers a subscriber for tenantID. Its channel starts with a
// replay of the tenant's current snapshot, ordered before any live event.
func (h *Hub) Subscribe(tenantID string) *Subscription {
	tenantID = strings.TrimSpace(tenantID)
	sub := &Subscription{
		ID:       h.nextID.Add(1),
		TenantID: tenantID,
		hub:      h,
		events:   make(chan types.Event, h.bufferSize),
	}

	t, ok := h.acquire(tenantID, true)
	if !ok {
		sub.closeLocked(CloseReasonShutdown)
		return sub
	}
	defer h.release(tenantID, t)

	t.mu.Lock()
	snap := h.snapshot(tenantID)
	for _, ev := range types.ReplayEvents(snap) {
		ev.Seq = t.seq
		sub.events <- ev
	}
	t.subs[sub.ID] = sub
	sub.registered = true
	t.mu.Unlock()

	metrics.AddRelaySubscribers(1)
	h.logger.Debug().Str("tenant_id", tenantID).Uint64("subscriber_id", sub.ID).Str("state", string(snap.State)).Msg("subscriber joined")
	return sub
}

func (h *Hub) snapshot(tenantID string) types.Snapshot {
	if holder := h.source.Load(); holder != nil && holder.source != nil {
		if snap, ok := holder.source.Snapshot(tenantID); ok {
			return snap
		}
	}
	return types.IdleSnapshot(tenantID)
}

func (h *Hub) unsubscribe(sub *Subscription, reason string) {
	t, ok := h.acquire(sub.TenantID, false)
	if !ok {
		return
	}
	defer h.release(sub.TenantID, t)

	t.mu.Lock()
	if _, live := t.subs[sub.ID]; live {
		delete(t.subs, sub.ID)
		sub.closeLocked(reason)
	}
	t.mu.Unlock()
}

// Subscribers reports the live subscriber count for a tenant.
func (h *Hub) Subscribers(tenantID string) int {
	tenantID = strings.TrimSpace(tenantID)
	t, ok := h.acquire(tenantID, false)
	if !ok {
		return 0
	}
	defer h.release(tenantID, t)

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close ends every subscription. Later publishes only run their commit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.topics = make(map[string]*topic)
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.closeLocked(CloseReasonShutdown)
		}
		t.mu.Unlock()
	}
}
