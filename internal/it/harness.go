package it

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"custodian/internal/coordinator"
	"custodian/internal/storage"
	"custodian/internal/vnode"
)

// Cluster wires several in-process coordinators to one shared backing
// store and one scripted ownership table, standing in for a real
// cluster on an eventually-consistent backend. Tests drive ownership
// changes by reassigning vnodes and firing ring events.
type Cluster struct {
	total int
	calm  time.Duration
	store *sharedStore

	mu     sync.Mutex
	def    string            // owner of unassigned vnodes
	owners map[string]string // vnode name -> node id
	nodes  map[string]*Node
	order  []*Node
}

// Node is one cluster member: a coordinator, its scripted ring view
// and a record of the host callbacks invoked on it.
type Node struct {
	ID    string
	Ring  *ScriptRing
	Coord *coordinator.Coordinator

	mu        sync.Mutex
	recovered []string
	released  []string
	handled   bool
}

// NewCluster creates an empty cluster over a fresh shared store.
func NewCluster(totalVNodes int, calm time.Duration) *Cluster {
	return &Cluster{
		total:  totalVNodes,
		calm:   calm,
		store:  newSharedStore(),
		owners: make(map[string]string),
		nodes:  make(map[string]*Node),
	}
}

// AddNode starts a coordinator for the given node id. Its ring stays
// unready until the first Assign.
func (c *Cluster) AddNode(id string) (*Node, error) {
	n := &Node{ID: id, handled: true}
	n.Ring = &ScriptRing{me: id, cluster: c}

	coord, err := coordinator.New(coordinator.Config{
		Ring:          n.Ring,
		Store:         c.store,
		Recover:       n.recover,
		Release:       n.release,
		TotalVNodes:   c.total,
		CalmThreshold: c.calm,
		Logger:        log.New(io.Discard, "", 0),
	})
	if err != nil {
		return nil, err
	}
	n.Coord = coord
	coord.Start()

	c.mu.Lock()
	c.nodes[id] = n
	c.order = append(c.order, n)
	c.mu.Unlock()
	return n, nil
}

// Assign rewrites the ownership table: def owns every vnode except
// those overridden, then every node observes the change (rings not yet
// ready become ready).
func (c *Cluster) Assign(def string, overrides map[uint32]string) {
	c.mu.Lock()
	c.def = def
	c.owners = make(map[string]string, len(overrides))
	for v, node := range overrides {
		c.owners[vnode.Name(v)] = node
	}
	nodes := append([]*Node{}, c.order...)
	c.mu.Unlock()

	for _, n := range nodes {
		n.Ring.signal()
	}
}

// FireChanged re-announces the current table to every node, as a ring
// would after a membership wobble that settles on the same topology.
func (c *Cluster) FireChanged() {
	c.mu.Lock()
	nodes := append([]*Node{}, c.order...)
	c.mu.Unlock()

	for _, n := range nodes {
		n.Ring.signal()
	}
}

// Stop shuts every coordinator down.
func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := append([]*Node{}, c.order...)
	c.mu.Unlock()

	for _, n := range nodes {
		n.Coord.Stop()
	}
}

// Store exposes the shared backing store.
func (c *Cluster) Store() *sharedStore {
	return c.store
}

func (c *Cluster) ownerOf(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.owners[key]; ok {
		return node, true
	}
	if c.def == "" {
		return "", false
	}
	return c.def, true
}

func (n *Node) recover(ctx context.Context, key string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recovered = append(n.recovered, key)
	return n.handled, nil
}

func (n *Node) release(ctx context.Context, key string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.released = append(n.released, key)
	return nil
}

// SetHandled controls what the node's recover callback reports.
func (n *Node) SetHandled(handled bool) {
	n.mu.Lock()
	n.handled = handled
	n.mu.Unlock()
}

// Recovered returns the keys recovered on this node so far.
func (n *Node) Recovered() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.recovered...)
}

// Released returns the keys released on this node so far.
func (n *Node) Released() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.released...)
}

// ScriptRing is a ring.Ring whose ownership table lives in the
// cluster. Readiness latches on the first assignment it observes.
type ScriptRing struct {
	me      string
	cluster *Cluster

	mu        sync.Mutex
	ready     bool
	readyFns  []func()
	changeFns []func()
}

func (r *ScriptRing) Lookup(key string) (string, bool) {
	return r.cluster.ownerOf(key)
}

func (r *ScriptRing) Whoami() string { return r.me }

func (r *ScriptRing) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *ScriptRing) OnReady(fn func()) {
	r.mu.Lock()
	if r.ready {
		r.mu.Unlock()
		fn()
		return
	}
	r.readyFns = append(r.readyFns, fn)
	r.mu.Unlock()
}

func (r *ScriptRing) OnChange(fn func()) {
	r.mu.Lock()
	r.changeFns = append(r.changeFns, fn)
	r.mu.Unlock()
}

// signal delivers the current table: the first one makes the ring
// ready, later ones fire the change callbacks.
func (r *ScriptRing) signal() {
	r.mu.Lock()
	if !r.ready {
		r.ready = true
		fns := r.readyFns
		r.readyFns = nil
		r.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
		return
	}
	fns := append([]func(){}, r.changeFns...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// sharedStore is the cluster's backing store: a MemoryStore that
// counts per-vnode loads, so tests can observe cache read-throughs.
type sharedStore struct {
	*storage.MemoryStore

	mu    sync.Mutex
	loads map[uint32]int
}

func newSharedStore() *sharedStore {
	return &sharedStore{
		MemoryStore: storage.NewMemoryStore(),
		loads:       make(map[uint32]int),
	}
}

func (s *sharedStore) LoadKeys(ctx context.Context, v uint32) ([]string, error) {
	s.mu.Lock()
	s.loads[v]++
	s.mu.Unlock()
	return s.MemoryStore.LoadKeys(ctx, v)
}

// Loads returns how many times the vnode's key set was read from the
// backing store.
func (s *sharedStore) Loads(v uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[v]
}

// HasKey reports whether the key is currently persisted under the
// vnode.
func (s *sharedStore) HasKey(v uint32, key string) bool {
	keys, err := s.MemoryStore.LoadKeys(context.Background(), v)
	if err != nil {
		return false
	}
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
