package coordinator

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"custodian/internal/storage"
	"custodian/internal/vnode"
)

// fakeRing is a scripted ring.Ring: tests assign vnode owners and fire
// ready/changed by hand.
type fakeRing struct {
	me string

	mu        sync.Mutex
	owners    map[string]string // lookup key -> node id
	def       string            // owner for unassigned keys
	ready     bool
	readyFns  []func()
	changeFns []func()

	lookups int64
}

func newFakeRing(me string) *fakeRing {
	return &fakeRing{me: me, owners: make(map[string]string)}
}

func (f *fakeRing) Lookup(key string) (string, bool) {
	atomic.AddInt64(&f.lookups, 1)
	f.mu.Lock()
	defer f.mu.Unlock()

	if node, ok := f.owners[key]; ok {
		return node, true
	}
	if f.def == "" {
		return "", false
	}
	return f.def, true
}

func (f *fakeRing) Whoami() string { return f.me }

func (f *fakeRing) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeRing) OnReady(fn func()) {
	f.mu.Lock()
	if f.ready {
		f.mu.Unlock()
		fn()
		return
	}
	f.readyFns = append(f.readyFns, fn)
	f.mu.Unlock()
}

func (f *fakeRing) OnChange(fn func()) {
	f.mu.Lock()
	f.changeFns = append(f.changeFns, fn)
	f.mu.Unlock()
}

func (f *fakeRing) setDefault(node string) {
	f.mu.Lock()
	f.def = node
	f.mu.Unlock()
}

func (f *fakeRing) assign(key, node string) {
	f.mu.Lock()
	f.owners[key] = node
	f.mu.Unlock()
}

func (f *fakeRing) makeReady() {
	f.mu.Lock()
	f.ready = true
	fns := f.readyFns
	f.readyFns = nil
	f.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (f *fakeRing) fireChanged() {
	f.mu.Lock()
	fns := append([]func(){}, f.changeFns...)
	f.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (f *fakeRing) lookupCount() int64 { return atomic.LoadInt64(&f.lookups) }

// testStore wraps MemoryStore with failure injection and a load
// counter.
type testStore struct {
	*storage.MemoryStore
	failAdds    int32
	failRemoves int32
	loads       int32
	adds        int32
}

var errInjected = errors.New("injected store failure")

func newTestStore() *testStore {
	return &testStore{MemoryStore: storage.NewMemoryStore()}
}

func (s *testStore) LoadKeys(ctx context.Context, v uint32) ([]string, error) {
	atomic.AddInt32(&s.loads, 1)
	return s.MemoryStore.LoadKeys(ctx, v)
}

func (s *testStore) AddKey(ctx context.Context, v uint32, key string) error {
	if atomic.AddInt32(&s.failAdds, -1) >= 0 {
		return errInjected
	}
	atomic.AddInt32(&s.adds, 1)
	return s.MemoryStore.AddKey(ctx, v, key)
}

func (s *testStore) RemoveKey(ctx context.Context, v uint32, key string) error {
	if atomic.AddInt32(&s.failRemoves, -1) >= 0 {
		return errInjected
	}
	return s.MemoryStore.RemoveKey(ctx, v, key)
}

func (s *testStore) hasKey(t *testing.T, v uint32, key string) bool {
	t.Helper()
	keys, err := s.MemoryStore.LoadKeys(context.Background(), v)
	if err != nil {
		t.Fatalf("LoadKeys failed: %v", err)
	}
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noopRecover(ctx context.Context, key string) (bool, error) { return true, nil }
func noopRelease(ctx context.Context, key string) error         { return nil }

func TestNew_Validation(t *testing.T) {
	rng := newFakeRing("A")
	store := newTestStore()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing ring", Config{Store: store, Recover: noopRecover, Release: noopRelease}},
		{"missing store", Config{Ring: rng, Recover: noopRecover, Release: noopRelease}},
		{"missing recover", Config{Ring: rng, Store: store, Release: noopRelease}},
		{"missing release", Config{Ring: rng, Store: store, Recover: noopRecover}},
		{"negative vnodes", Config{Ring: rng, Store: store, Recover: noopRecover, Release: noopRelease, TotalVNodes: -1}},
	}

	for _, tc := range cases {
		if _, err := New(tc.cfg); err == nil {
			t.Errorf("%s: expected construction error", tc.name)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{
		Ring:    newFakeRing("A"),
		Store:   newTestStore(),
		Recover: noopRecover,
		Release: noopRelease,
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.total != vnode.DefaultTotal {
		t.Errorf("expected default TotalVNodes %d, got %d", vnode.DefaultTotal, c.total)
	}
	if c.calm != DefaultCalmThreshold {
		t.Errorf("expected default calm threshold, got %v", c.calm)
	}
	if c.maxParallel != DefaultMaxParallelTasks {
		t.Errorf("expected default parallelism, got %d", c.maxParallel)
	}
}

func TestLookupKey_RecordsLocalKey(t *testing.T) {
	rng := newFakeRing("A")
	rng.setDefault("A")
	store := newTestStore()

	c, err := New(Config{
		Ring: rng, Store: store,
		Recover: noopRecover, Release: noopRelease,
		TotalVNodes: 4, Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Stop()

	node, ok := c.LookupKey("alpha")
	if !ok || node != "A" {
		t.Fatalf("LookupKey = %q ok=%v, want A", node, ok)
	}

	v := vnode.ForKey("alpha", 4)
	waitUntil(t, "key persisted", func() bool { return store.hasKey(t, v, "alpha") })
}

func TestLookupKey_RemoteKeyNotRecorded(t *testing.T) {
	rng := newFakeRing("A")
	rng.setDefault("B")
	store := newTestStore()

	c, err := New(Config{
		Ring: rng, Store: store,
		Recover: noopRecover, Release: noopRelease,
		TotalVNodes: 4, Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	node, ok := c.LookupKey("alpha")
	if !ok || node != "B" {
		t.Fatalf("LookupKey = %q ok=%v, want B", node, ok)
	}
	c.Stop()

	if n := atomic.LoadInt32(&store.adds); n != 0 {
		t.Errorf("remote key was persisted locally (%d adds)", n)
	}
}

func TestLookupKey_StoreFailureIsTransient(t *testing.T) {
	rng := newFakeRing("A")
	rng.setDefault("A")
	store := newTestStore()
	atomic.StoreInt32(&store.failAdds, 1)

	c, err := New(Config{
		Ring: rng, Store: store,
		Recover: noopRecover, Release: noopRelease,
		TotalVNodes: 4, Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Stop()

	// The failed persist must not affect the answer.
	node, ok := c.LookupKey("alpha")
	if !ok || node != "A" {
		t.Fatalf("LookupKey = %q ok=%v, want A", node, ok)
	}

	v := vnode.ForKey("alpha", 4)
	time.Sleep(50 * time.Millisecond)
	if store.hasKey(t, v, "alpha") {
		t.Fatal("failed write should not have persisted")
	}

	// The next lookup of the same key succeeds in persisting.
	if node, ok := c.LookupKey("alpha"); !ok || node != "A" {
		t.Fatalf("retry LookupKey = %q ok=%v, want A", node, ok)
	}
	waitUntil(t, "key persisted on retry", func() bool { return store.hasKey(t, v, "alpha") })
}

func TestWorkCompleteOnKey_Idempotent(t *testing.T) {
	rng := newFakeRing("A")
	rng.setDefault("A")
	store := newTestStore()

	c, err := New(Config{
		Ring: rng, Store: store,
		Recover: noopRecover, Release: noopRelease,
		TotalVNodes: 4, Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Stop()

	c.LookupKey("alpha")
	v := vnode.ForKey("alpha", 4)
	waitUntil(t, "key persisted", func() bool { return store.hasKey(t, v, "alpha") })

	ctx := context.Background()
	if err := c.WorkCompleteOnKey(ctx, "alpha"); err != nil {
		t.Fatalf("WorkCompleteOnKey failed: %v", err)
	}
	if store.hasKey(t, v, "alpha") {
		t.Error("key still in index after completion")
	}
	// Second completion has the same persisted effect as one.
	if err := c.WorkCompleteOnKey(ctx, "alpha"); err != nil {
		t.Errorf("repeated WorkCompleteOnKey failed: %v", err)
	}
}

func TestWorkCompleteOnKey_SurfacesStoreError(t *testing.T) {
	rng := newFakeRing("A")
	rng.setDefault("A")
	store := newTestStore()
	atomic.StoreInt32(&store.failRemoves, 1)

	c, err := New(Config{
		Ring: rng, Store: store,
		Recover: noopRecover, Release: noopRelease,
		TotalVNodes: 4, Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Stop()

	if err := c.WorkCompleteOnKey(context.Background(), "alpha"); !errors.Is(err, errInjected) {
		t.Errorf("expected surfaced store error, got %v", err)
	}
}
