package adaptertest

import (
	"context"
	"sync"
	"time"

	"crabstack.local/crab-relay/internal/adapter"
)

// Factory records every adapter it builds. Configure is applied to each
// adapter before it is returned to the session.
type Factory struct {
	Err       error
	Delay     time.Duration
	Configure func(*Adapter)

	mu       sync.Mutex
	calls    int
	adapters []*Adapter
	created  chan *Adapter
}

func NewFactory() *Factory {
	return &Factory{created: make(chan *Adapter, 64)}
}

func (f *Factory) New(ctx context.Context, tenantID string, credentials []byte) (adapter.Adapter, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls++
	err := f.Err
	configure := f.Configure
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	a := NewAdapter(tenantID, append([]byte(nil), credentials...))
	if configure != nil {
		configure(a)
	}
	f.mu.Lock()
	f.adapters = append(f.adapters, a)
	f.mu.Unlock()
	select {
	case f.created <- a:
	default:
	}
	return a, nil
}

func (f *Factory) SetErr(err error) {
	f.mu.Lock()
	f.Err = err
	f.mu.Unlock()
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

// Calls counts construction attempts, failed ones included.
func (f *Factory) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Factory) Adapters() []*Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Adapter(nil), f.adapters...)
}

// Next waits for the next adapter constructed by the factory.
func (f *Factory) Next(timeout time.Duration) *Adapter {
	select {
	case a := <-f.created:
		return a
	case <-time.After(timeout):
		return nil
	}
}
