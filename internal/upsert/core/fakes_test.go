package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"kvupsert"
)

// fakeStore wraps a MemoryStore with fault injection, call recording and
// in-flight tracking so tests can assert concurrency bounds.
type fakeStore struct {
	*MemoryStore

	getErr   func(key string) error
	putErr   func(keys []string) error
	delay    time.Duration
	blockCtx bool // block every call until ctx is done

	mu       sync.Mutex
	gets     []string
	writes   [][]string // keys per Put/BatchPut call, in call order
	inFlight atomic.Int64
	maxGets  atomic.Int64
	maxPuts  atomic.Int64
}

func newFakeStore(maxBatch int) *fakeStore {
	return &fakeStore{MemoryStore: NewMemoryStore(maxBatch)}
}

func (f *fakeStore) enter(max *atomic.Int64) func() {
	n := f.inFlight.Add(1)
	for {
		cur := max.Load()
		if n <= cur || max.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeStore) wait(ctx context.Context) error {
	if f.blockCtx {
		<-ctx.Done()
		return Connectivity("wait", ctx.Err())
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Connectivity("wait", ctx.Err())
		}
	}
	return nil
}

func (f *fakeStore) Get(ctx context.Context, key string) (*kvupsert.Record, error) {
	defer f.enter(&f.maxGets)()
	f.mu.Lock()
	f.gets = append(f.gets, key)
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.getErr != nil {
		if err := f.getErr(key); err != nil {
			return nil, err
		}
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *fakeStore) record(keys []string) error {
	f.mu.Lock()
	f.writes = append(f.writes, keys)
	f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr(keys)
	}
	return nil
}

func (f *fakeStore) Put(ctx context.Context, rec kvupsert.Record) error {
	defer f.enter(&f.maxPuts)()
	if err := f.wait(ctx); err != nil {
		return err
	}
	if err := f.record([]string{rec.Key}); err != nil {
		return err
	}
	return f.MemoryStore.Put(ctx, rec)
}

func (f *fakeStore) BatchPut(ctx context.Context, recs []kvupsert.Record) error {
	defer f.enter(&f.maxPuts)()
	if err := f.wait(ctx); err != nil {
		return err
	}
	if err := f.record(kvupsert.Keys(recs)); err != nil {
		return err
	}
	return f.MemoryStore.BatchPut(ctx, recs)
}

func (f *fakeStore) writtenKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		out = append(out, w...)
	}
	return out
}

func (f *fakeStore) writeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeStore) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gets)
}

// recordingObserver keeps every event for assertions.
type recordingObserver struct {
	mu      sync.Mutex
	checks  int
	units   []OperationOutcome
	results []*UpsertResult
	errs    []error
}

func (r *recordingObserver) ChecksCompleted(string, int, int, int, time.Duration) {
	r.mu.Lock()
	r.checks++
	r.mu.Unlock()
}

func (r *recordingObserver) UnitCompleted(_ string, o OperationOutcome) {
	r.mu.Lock()
	r.units = append(r.units, o)
	r.mu.Unlock()
}

func (r *recordingObserver) UpsertCompleted(res *UpsertResult, err error, _ time.Duration) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}
