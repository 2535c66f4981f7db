package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"custodian/internal/ring"
	"custodian/internal/storage"
	"custodian/internal/vnode"
)

const (
	// DefaultCalmThreshold is the debounce window applied to ring
	// change events.
	DefaultCalmThreshold = 500 * time.Millisecond

	// DefaultMaxParallelTasks caps fan-out concurrency across vnodes
	// and across keys within a vnode.
	DefaultMaxParallelTasks = 10
)

// RecoverFunc is the host's take-over callback. Returning handled=true
// means the host has durably assumed responsibility for the key and it
// may be removed from the persisted index; false (or an error) leaves
// the key for a future recovery attempt.
type RecoverFunc func(ctx context.Context, key string) (handled bool, err error)

// ReleaseFunc is the host's hand-off callback, invoked for each key of
// a vnode this node no longer owns. Errors are logged and swallowed.
type ReleaseFunc func(ctx context.Context, key string) error

// Config carries the coordinator's collaborators and tuning. Ring,
// Store, Recover and Release are required.
type Config struct {
	Ring    ring.Ring
	Store   storage.Store
	Recover RecoverFunc
	Release ReleaseFunc

	// TotalVNodes partitions the key space. It must be identical on
	// every node and must never change once state has been persisted.
	// Defaults to vnode.DefaultTotal.
	TotalVNodes int

	// CalmThreshold is the debounce window for ring changes.
	CalmThreshold time.Duration

	// MaxParallelTasks caps fan-out concurrency.
	MaxParallelTasks int

	Logger *log.Logger
}

func (c Config) validate() error {
	if c.Ring == nil {
		return fmt.Errorf("coordinator: ring is required")
	}
	if c.Store == nil {
		return fmt.Errorf("coordinator: store is required")
	}
	if c.Recover == nil {
		return fmt.Errorf("coordinator: recover callback is required")
	}
	if c.Release == nil {
		return fmt.Errorf("coordinator: release callback is required")
	}
	if c.TotalVNodes < 0 {
		return fmt.Errorf("coordinator: invalid TotalVNodes %d", c.TotalVNodes)
	}
	return nil
}

// Coordinator is the ownership reconciliation engine.
type Coordinator struct {
	ring        ring.Ring
	cache       *storage.Cache
	recoverKey  RecoverFunc
	releaseKey  ReleaseFunc
	total       int
	calm        time.Duration
	maxParallel int
	logger      *log.Logger
	me          string

	mu        sync.Mutex
	calmTimer *time.Timer
	owned     map[uint32]struct{}
	pending   map[uint32]struct{}
	stopped   bool

	// reconcileMu serializes fan-outs: at most one reconciliation runs
	// at a time, while the calm timer may already be pending for the
	// next one.
	reconcileMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a coordinator. The ring is not subscribed to until
// Start.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.TotalVNodes == 0 {
		cfg.TotalVNodes = vnode.DefaultTotal
	}
	if cfg.CalmThreshold <= 0 {
		cfg.CalmThreshold = DefaultCalmThreshold
	}
	if cfg.MaxParallelTasks <= 0 {
		cfg.MaxParallelTasks = DefaultMaxParallelTasks
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	return &Coordinator{
		ring:        cfg.Ring,
		cache:       storage.NewCache(cfg.Store),
		recoverKey:  cfg.Recover,
		releaseKey:  cfg.Release,
		total:       cfg.TotalVNodes,
		calm:        cfg.CalmThreshold,
		maxParallel: cfg.MaxParallelTasks,
		logger:      cfg.Logger,
		me:          cfg.Ring.Whoami(),
		owned:       make(map[uint32]struct{}),
		pending:     make(map[uint32]struct{}),
	}, nil
}

// Start subscribes to the ring. The first reconciliation runs when the
// ring reports ready (immediately, without debounce, so keys persisted
// by a prior incarnation of this node are recovered on boot); later
// ring changes go through the calm timer.
func (c *Coordinator) Start() {
	c.ring.OnChange(c.scheduleReconcile)
	c.ring.OnReady(func() {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.wg.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.wg.Done()
			c.runReconcile()
		}()
	})
}

// Stop cancels any pending calm timer and waits for in-flight
// reconciliations and background index writes to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.calmTimer != nil {
		c.calmTimer.Stop()
		c.calmTimer = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// LookupKey resolves the node responsible for key. When that node is
// this one, the key is recorded into its vnode's persisted index in
// the background; the answer never waits on persistence, and
// persistence failures are logged and retried on the key's next
// lookup.
func (c *Coordinator) LookupKey(key string) (string, bool) {
	v := vnode.ForKey(key, c.total)
	node, ok := c.ring.Lookup(vnode.Name(v))
	if !ok {
		return "", false
	}
	if node != c.me {
		return node, true
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return node, true
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.cache.AddKey(context.Background(), v, key); err != nil {
			c.logger.Printf("[%s] record key %q on vnode %d: %v", c.me, key, v, err)
		}
	}()

	return node, true
}

// WorkCompleteOnKey removes key from its vnode's index once the host
// has finished the key's work. Idempotent; surfaces the store error.
func (c *Coordinator) WorkCompleteOnKey(ctx context.Context, key string) error {
	return c.cache.RemoveKey(ctx, vnode.ForKey(key, c.total), key)
}

// OwnedVNodes returns a sorted snapshot of the vnodes committed by the
// most recently completed reconciliation.
func (c *Coordinator) OwnedVNodes() []uint32 {
	c.mu.Lock()
	vs := maps.Keys(c.owned)
	c.mu.Unlock()

	slices.Sort(vs)
	return vs
}
