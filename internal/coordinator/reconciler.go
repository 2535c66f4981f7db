package coordinator

import (
	"context"
	"sync"
	"time"

	"custodian/internal/fanout"
	"custodian/internal/reconcile"
	"custodian/internal/vnode"
)

// scheduleReconcile (re)starts the calm timer. A burst of ring changes
// collapses into a single reconciliation fired one calm threshold
// after the last event.
func (c *Coordinator) scheduleReconcile() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if c.calmTimer != nil {
		c.calmTimer.Stop()
	}
	c.calmTimer = time.AfterFunc(c.calm, c.calmFired)
}

func (c *Coordinator) calmFired() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.calmTimer = nil
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	c.runReconcile()
}

// runReconcile samples the ring, diffs the owned vnode set against the
// previous one and drives the recover/release fan-outs. Fan-outs are
// serialized: a reconciliation scheduled while one is running waits
// its turn and then observes the first one's effects.
func (c *Coordinator) runReconcile() {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	current := c.computeOwned()

	c.mu.Lock()
	previous := c.owned
	c.mu.Unlock()

	plan := reconcile.Diff(previous, current)
	recoverList := c.takePending(plan, current)

	if !plan.Empty() || len(recoverList) != len(plan.Recover) {
		c.logger.Printf("[%s] reconciling: recover=%d release=%d owned=%d",
			c.me, len(recoverList), len(plan.Release), len(current))
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.releaseVNodes(ctx, plan.Release)
	}()
	go func() {
		defer wg.Done()
		c.recoverVNodes(ctx, recoverList)
	}()
	wg.Wait()

	// Hand-off complete: stop holding the released vnodes resident.
	for _, v := range plan.Release {
		c.cache.Release(v)
	}

	c.mu.Lock()
	c.owned = current
	c.mu.Unlock()
}

// computeOwned derives the vnodes this node currently owns from the
// ring. The plain ring lookup is used here: reconciliation must not
// record vnode names into the key index.
func (c *Coordinator) computeOwned() map[uint32]struct{} {
	owned := make(map[uint32]struct{})
	for v := uint32(0); v < uint32(c.total); v++ {
		if node, ok := c.ring.Lookup(vnode.Name(v)); ok && node == c.me {
			owned[v] = struct{}{}
		}
	}
	return owned
}

// takePending merges vnodes with unfinished recoveries into the plan's
// recover list, provided they are still owned, and clears the pending
// set. A vnode that fails again re-enters it.
func (c *Coordinator) takePending(plan reconcile.Plan, current map[uint32]struct{}) []uint32 {
	list := plan.Recover

	inPlan := make(map[uint32]struct{}, len(plan.Recover))
	for _, v := range plan.Recover {
		inPlan[v] = struct{}{}
	}

	c.mu.Lock()
	for v := range c.pending {
		if _, owned := current[v]; owned {
			if _, dup := inPlan[v]; !dup {
				list = append(list, v)
			}
		}
	}
	c.pending = make(map[uint32]struct{})
	c.mu.Unlock()

	return list
}

func (c *Coordinator) markPending(v uint32) {
	c.mu.Lock()
	c.pending[v] = struct{}{}
	c.mu.Unlock()
}

// recoverVNodes loads each acquired vnode's persisted keys and asks
// the host to take them over. A key is removed from the index only
// when the host reports it handled. Store and callback failures are
// logged and leave the vnode pending, to be retried on the next ring
// change.
func (c *Coordinator) recoverVNodes(ctx context.Context, vnodes []uint32) {
	fanout.Each(ctx, vnodes, c.maxParallel, func(ctx context.Context, v uint32) {
		keys, err := c.cache.LoadKeys(ctx, v)
		if err != nil {
			c.logger.Printf("[%s] load keys for recovered vnode %d: %v", c.me, v, err)
			c.markPending(v)
			return
		}

		fanout.Each(ctx, keys, c.maxParallel, func(ctx context.Context, key string) {
			handled, err := c.recoverKey(ctx, key)
			if err != nil {
				c.logger.Printf("[%s] recover key %q on vnode %d: %v", c.me, key, v, err)
			}
			if !handled || err != nil {
				c.markPending(v)
				return
			}
			if err := c.cache.RemoveKey(ctx, v, key); err != nil {
				c.logger.Printf("[%s] remove recovered key %q from vnode %d: %v", c.me, key, v, err)
				c.markPending(v)
			}
		})
	})
}

// releaseVNodes invokes the host's release callback for every key of
// every handed-off vnode. Keys stay in the index: the new owner's
// recover path removes them.
func (c *Coordinator) releaseVNodes(ctx context.Context, vnodes []uint32) {
	fanout.Each(ctx, vnodes, c.maxParallel, func(ctx context.Context, v uint32) {
		keys, err := c.cache.LoadKeys(ctx, v)
		if err != nil {
			c.logger.Printf("[%s] load keys for released vnode %d: %v", c.me, v, err)
			return
		}

		fanout.Each(ctx, keys, c.maxParallel, func(ctx context.Context, key string) {
			if err := c.releaseKey(ctx, key); err != nil {
				c.logger.Printf("[%s] release key %q on vnode %d: %v", c.me, key, v, err)
			}
		})
	})
}
