// Package main implements the custodian daemon: a durable-key
// ownership coordinator on top of a gossip-backed consistent-hash
// ring.
//
// Each node records the keys routed to it in a per-vnode durable index
// (BoltDB). When cluster membership changes, the coordinator diffs its
// owned vnode set and recovers keys it now owns while releasing keys
// that moved elsewhere, so per-key work survives node failure and
// rebalancing.
//
// Example three-node cluster:
//
//	./custodian -node-id n1 -bind 127.0.0.1:7946 -data-dir /var/lib/custodian/n1
//	./custodian -node-id n2 -bind 127.0.0.1:7947 -join 127.0.0.1:7946 -data-dir /var/lib/custodian/n2
//	./custodian -node-id n3 -bind 127.0.0.1:7948 -join 127.0.0.1:7946 -data-dir /var/lib/custodian/n3
//
// The demo recover/release callbacks only log; a real deployment
// embeds the coordinator and supplies callbacks that resume and
// suspend the host application's per-key work.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"custodian/internal/config"
	"custodian/internal/coordinator"
	"custodian/internal/gossip"
	"custodian/internal/ring"
	"custodian/internal/storage"
	"custodian/internal/vnode"
)

func main() {
	var (
		nodeID        = flag.String("node-id", "", "unique node identifier (default: random)")
		bindAddr      = flag.String("bind", "127.0.0.1:7946", "gossip bind address (host:port)")
		joinAddrs     = flag.String("join", "", "comma-separated seed addresses to join")
		dataDir       = flag.String("data-dir", ".", "directory for the durable key index")
		totalVNodes   = flag.Int("vnodes", vnode.DefaultTotal, "total vnodes partitioning the key space (cluster-wide constant)")
		vnodesPerNode = flag.Int("ring-points", 128, "hash points per node on the ring")
		calm          = flag.Duration("calm", coordinator.DefaultCalmThreshold, "debounce window for ring changes")
		maxParallel   = flag.Int("max-parallel", coordinator.DefaultMaxParallelTasks, "fan-out concurrency cap")
	)
	flag.Parse()

	id := *nodeID
	if id == "" {
		id = uuid.NewString()
	}

	seeds, err := config.ParseSeeds(*joinAddrs)
	if err != nil {
		log.Fatalf("parse seeds: %v", err)
	}

	cfg := config.Config{
		NodeID:           id,
		BindAddr:         *bindAddr,
		Seeds:            seeds,
		DataDir:          *dataDir,
		TotalVNodes:      *totalVNodes,
		VNodesPerNode:    *vnodesPerNode,
		CalmThreshold:    *calm,
		MaxParallelTasks: *maxParallel,
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	store := storage.NewBoltStore(cfg.DataDir, "custodian")
	if err := store.Open(0600); err != nil {
		log.Fatalf("[%s] open key index: %v", cfg.NodeID, err)
	}

	rng := ring.NewHash(cfg.NodeID, cfg.VNodesPerNode)

	coord, err := coordinator.New(coordinator.Config{
		Ring:  rng,
		Store: store,
		Recover: func(ctx context.Context, key string) (bool, error) {
			logger.Printf("[%s] recovered key %q", cfg.NodeID, key)
			return true, nil
		},
		Release: func(ctx context.Context, key string) error {
			logger.Printf("[%s] released key %q", cfg.NodeID, key)
			return nil
		},
		TotalVNodes:      cfg.TotalVNodes,
		CalmThreshold:    cfg.CalmThreshold,
		MaxParallelTasks: cfg.MaxParallelTasks,
		Logger:           logger,
	})
	if err != nil {
		log.Fatalf("[%s] create coordinator: %v", cfg.NodeID, err)
	}
	coord.Start()

	membership, err := gossip.New(cfg.NodeID, cfg.BindAddr, rng, logger)
	if err != nil {
		log.Fatalf("[%s] start membership: %v", cfg.NodeID, err)
	}
	if len(cfg.Seeds) > 0 {
		n, err := membership.Join(cfg.Seeds)
		if err != nil {
			logger.Printf("[%s] join seeds: %v", cfg.NodeID, err)
		}
		logger.Printf("[%s] joined %d seed nodes", cfg.NodeID, n)
	}
	logger.Printf("[%s] custodian running on %s (%d vnodes)", cfg.NodeID, cfg.BindAddr, cfg.TotalVNodes)

	statusDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logger.Printf("[%s] owning %d vnodes", cfg.NodeID, len(coord.OwnedVNodes()))
			case <-statusDone:
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Printf("[%s] shutting down", cfg.NodeID)
	close(statusDone)
	if err := membership.Stop(); err != nil {
		logger.Printf("[%s] membership shutdown: %v", cfg.NodeID, err)
	}
	coord.Stop()
	if err := store.Close(); err != nil {
		logger.Printf("[%s] close key index: %v", cfg.NodeID, err)
	}
}
