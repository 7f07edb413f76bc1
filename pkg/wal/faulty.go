package wal

import (
	"context"
	"errors"
	"sync"

	"github.com/meridianlabs/conductor/pkg/faults"
)

// ErrInjected marks a deliberately injected backing-store failure.
var ErrInjected = errors.New("wal: injected fault")

// FaultyLog wraps a Log and fails appends on demand. Injected failures
// surface as FATAL faults exactly like a real backing-store outage; the
// wrapper never fabricates success.
type FaultyLog struct {
	inner Log

	mu        sync.Mutex
	failNext  int
	failAll   bool
	appends   int
	lastError error
}

// NewFaultyLog wraps inner.
func NewFaultyLog(inner Log) *FaultyLog {
	return &FaultyLog{inner: inner}
}

// FailNext makes the next n Append calls fail.
func (f *FaultyLog) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// SetUnavailable toggles a full outage of the backing store.
func (f *FaultyLog) SetUnavailable(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = down
}

// Appends returns the number of Append calls that reached the inner log.
func (f *FaultyLog) Appends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

// Append implements Log.
func (f *FaultyLog) Append(ctx context.Context, tenantID string, rec Record) (Entry, error) {
	f.mu.Lock()
	if f.failAll || f.failNext > 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		err := faults.Fatal(ErrInjected, "durable log unavailable")
		f.lastError = err
		f.mu.Unlock()
		return Entry{}, err
	}
	f.appends++
	f.mu.Unlock()

	return f.inner.Append(ctx, tenantID, rec)
}

// Replay implements Log.
func (f *FaultyLog) Replay(ctx context.Context, tenantID string, from uint64, fn func(Entry) error) error {
	return f.inner.Replay(ctx, tenantID, from, fn)
}

// Tenants implements Log.
func (f *FaultyLog) Tenants(ctx context.Context) ([]string, error) {
	return f.inner.Tenants(ctx)
}

// Head implements Log.
func (f *FaultyLog) Head(ctx context.Context, tenantID string) (uint64, error) {
	return f.inner.Head(ctx, tenantID)
}
