package ring

import (
	"sort"
	"strconv"
	"sync"

	"github.com/dgryski/go-farm"
)

// Ring is the membership oracle consumed by the coordinator. Lookup is
// total over non-empty membership: any string key resolves to some
// node. Implementations fire the ready callbacks once, when membership
// is first known, and the change callbacks on every membership or
// topology change.
type Ring interface {
	// Lookup returns the node responsible for the given key, or
	// ok=false while membership is empty.
	Lookup(key string) (node string, ok bool)

	// Whoami returns this process's node identity.
	Whoami() string

	// Ready reports whether membership has been established.
	Ready() bool

	// OnReady registers fn to run once membership is first known. If
	// the ring is already ready, fn runs immediately.
	OnReady(fn func())

	// OnChange registers fn to run after every membership change.
	OnChange(fn func())
}

// Node represents a physical node in the cluster.
type Node struct {
	ID   string
	Addr string
}

// point is a hash point on the ring, claimed by a physical node.
type point struct {
	hash   uint32
	nodeID string
}

// Hash implements Ring with consistent hashing over per-node hash
// points.
type Hash struct {
	mu            sync.RWMutex
	localID       string
	pointsPerNode int
	points        []point
	nodes         map[string]Node
	ready         bool

	cbMu       sync.Mutex
	readyFns   []func()
	changeFns  []func()
	readyFired bool
}

var _ Ring = (*Hash)(nil)

// NewHash creates a consistent-hash ring for a process identifying
// itself as localID. pointsPerNode controls placement granularity.
func NewHash(localID string, pointsPerNode int) *Hash {
	if pointsPerNode <= 0 {
		pointsPerNode = 128 // default
	}
	return &Hash{
		localID:       localID,
		pointsPerNode: pointsPerNode,
		points:        make([]point, 0),
		nodes:         make(map[string]Node),
	}
}

// SetNodes rebuilds the ring with the given nodes.
// This is deterministic: the same membership produces the same ring on
// every process.
func (r *Hash) SetNodes(nodes []Node) {
	r.mu.Lock()

	r.nodes = make(map[string]Node, len(nodes))
	r.points = make([]point, 0, len(nodes)*r.pointsPerNode)

	for _, node := range nodes {
		r.nodes[node.ID] = node
		r.appendPoints(node.ID)
	}

	sort.Slice(r.points, func(i, j int) bool {
		return r.points[i].hash < r.points[j].hash
	})

	becameReady := r.markReady()
	r.mu.Unlock()

	r.notify(becameReady)
}

// AddNode adds a node to the ring. Adding a present node is a no-op.
func (r *Hash) AddNode(node Node) {
	r.mu.Lock()

	if _, exists := r.nodes[node.ID]; exists {
		r.mu.Unlock()
		return
	}

	r.nodes[node.ID] = node
	r.appendPoints(node.ID)
	sort.Slice(r.points, func(i, j int) bool {
		return r.points[i].hash < r.points[j].hash
	})

	becameReady := r.markReady()
	r.mu.Unlock()

	r.notify(becameReady)
}

// RemoveNode removes a node from the ring. Removing an absent node is
// a no-op.
func (r *Hash) RemoveNode(nodeID string) {
	r.mu.Lock()

	if _, exists := r.nodes[nodeID]; !exists {
		r.mu.Unlock()
		return
	}

	delete(r.nodes, nodeID)
	kept := make([]point, 0, len(r.points))
	for _, p := range r.points {
		if p.nodeID != nodeID {
			kept = append(kept, p)
		}
	}
	r.points = kept
	r.mu.Unlock()

	r.notify(false)
}

// appendPoints adds the hash points for a node. Caller holds r.mu.
func (r *Hash) appendPoints(nodeID string) {
	for i := 0; i < r.pointsPerNode; i++ {
		label := nodeID + "-point-" + strconv.Itoa(i)
		r.points = append(r.points, point{
			hash:   farm.Hash32([]byte(label)),
			nodeID: nodeID,
		})
	}
}

// markReady latches readiness on the first non-empty membership.
// Caller holds r.mu; returns true on the latching transition.
func (r *Hash) markReady() bool {
	if r.ready || len(r.nodes) == 0 {
		return false
	}
	r.ready = true
	return true
}

// notify runs the registered callbacks outside the ring lock. Ready
// callbacks fire at most once, before the change callbacks of the same
// transition.
func (r *Hash) notify(becameReady bool) {
	r.cbMu.Lock()
	var ready []func()
	if becameReady && !r.readyFired {
		r.readyFired = true
		ready = append(ready, r.readyFns...)
		r.readyFns = nil
	}
	change := append([]func(){}, r.changeFns...)
	r.cbMu.Unlock()

	for _, fn := range ready {
		fn()
	}
	for _, fn := range change {
		fn()
	}
}

// Lookup returns the node responsible for the given key.
func (r *Hash) Lookup(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return "", false
	}

	keyHash := farm.Hash32([]byte(key))

	// Binary search for the first point at or past the key's hash.
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= keyHash
	})
	if idx >= len(r.points) {
		idx = 0 // wrap around
	}

	return r.points[idx].nodeID, true
}

// Whoami returns the local node identity.
func (r *Hash) Whoami() string {
	return r.localID
}

// Ready reports whether membership has been established.
func (r *Hash) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// OnReady registers fn to run once membership is first known.
func (r *Hash) OnReady(fn func()) {
	r.cbMu.Lock()
	if r.readyFired {
		r.cbMu.Unlock()
		fn()
		return
	}
	r.readyFns = append(r.readyFns, fn)
	r.cbMu.Unlock()
}

// OnChange registers fn to run after every membership change.
func (r *Hash) OnChange(fn func()) {
	r.cbMu.Lock()
	r.changeFns = append(r.changeFns, fn)
	r.cbMu.Unlock()
}

// Nodes returns the current membership.
func (r *Hash) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	return nodes
}
