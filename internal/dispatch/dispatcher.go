package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crabstack.local/crab-relay/internal/subscribers"
	"crabstack.local/crab-relay/internal/types"
)

type Dispatcher struct {
	logger       zerolog.Logger
	subscribers  []subscribers.Subscriber
	retryCount   int
	retryBackoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger zerolog.Logger, subs []subscribers.Subscriber) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:       logger.With().Str("component", "dispatch").Logger(),
		subscribers:  subs,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Dispatch hands the event to every subscriber on its own goroutine. It
// never blocks the publisher.
func (d *Dispatcher) Dispatch(ctx context.Context, event types.Event) {
	if d.ctx.Err() != nil {
		return
	}
	for _, sub := range d.subscribers {
		s := sub
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.dispatchOne(ctx, s, event)
		}()
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub subscribers.Subscriber, event types.Event) {
	ctx, cancel := mergeCancel(ctx, d.ctx)
	defer cancel()

	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sub.Handle(ctx, event)
		if err == nil {
			return
		}

		d.logger.Warn().
			Str("subscriber", sub.Name()).
			Str("tenant_id", event.TenantID).
			Str("type", string(event.Type)).
			Uint64("seq", event.Seq).
			Int("attempt", attempt).
			Err(err).
			Msg("subscriber delivery failed")
		if attempt == d.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}

// Close cancels pending retries and waits for in-flight deliveries, or
// until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mergeCancel(parent, stop context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	release := context.AfterFunc(stop, cancel)
	return ctx, func() {
		release()
		cancel()
	}
}
