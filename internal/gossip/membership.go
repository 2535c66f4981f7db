package gossip

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/serf/serf"

	"custodian/internal/ring"
)

// Membership runs a serf agent and keeps the ring in sync with the
// alive member set.
type Membership struct {
	ring   *ring.Hash
	logger *log.Logger
	serf   *serf.Serf
	events chan serf.Event
	wg     sync.WaitGroup
}

// New starts a serf agent bound to bindAddr (host:port) and begins
// folding membership events into the ring. The local node is alive
// immediately, so the ring becomes ready before any peer is joined.
func New(nodeID, bindAddr string, r *ring.Hash, logger *log.Logger) (*Membership, error) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("gossip: invalid bind address %q: %w", bindAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("gossip: invalid bind port %q: %w", portStr, err)
	}

	if logger == nil {
		logger = log.Default()
	}

	m := &Membership{
		ring:   r,
		logger: logger,
		events: make(chan serf.Event, 64),
	}

	cfg := serf.DefaultConfig()
	cfg.NodeName = nodeID
	cfg.EventCh = m.events
	cfg.Logger = logger
	cfg.MemberlistConfig.BindAddr = host
	cfg.MemberlistConfig.BindPort = port
	cfg.MemberlistConfig.Logger = logger

	s, err := serf.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("gossip: create serf agent: %w", err)
	}
	m.serf = s

	m.syncRing()

	m.wg.Add(1)
	go m.run()

	return m, nil
}

// Join contacts the given seed addresses and merges their member
// lists. Returns the number of nodes successfully contacted.
func (m *Membership) Join(seeds []string) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	return m.serf.Join(seeds, true)
}

// Stop leaves the cluster gracefully and shuts the agent down.
func (m *Membership) Stop() error {
	if err := m.serf.Leave(); err != nil {
		m.logger.Printf("[%s] gossip leave: %v", m.ring.Whoami(), err)
	}
	err := m.serf.Shutdown()
	m.wg.Wait()
	return err
}

func (m *Membership) run() {
	defer m.wg.Done()

	shutdown := m.serf.ShutdownCh()
	for {
		select {
		case ev := <-m.events:
			switch ev.EventType() {
			case serf.EventMemberJoin, serf.EventMemberLeave,
				serf.EventMemberFailed, serf.EventMemberUpdate,
				serf.EventMemberReap:
				m.syncRing()
			}
		case <-shutdown:
			return
		}
	}
}

// syncRing pushes the current alive member set into the ring.
func (m *Membership) syncRing() {
	alive := aliveNodes(m.serf.Members())
	m.logger.Printf("[%s] membership: %d alive", m.ring.Whoami(), len(alive))
	m.ring.SetNodes(alive)
}

// aliveNodes converts serf's member list to ring nodes, keeping alive
// members only.
func aliveNodes(members []serf.Member) []ring.Node {
	nodes := make([]ring.Node, 0, len(members))
	for _, mem := range members {
		if mem.Status != serf.StatusAlive {
			continue
		}
		nodes = append(nodes, ring.Node{
			ID:   mem.Name,
			Addr: net.JoinHostPort(mem.Addr.String(), strconv.Itoa(int(mem.Port))),
		})
	}
	return nodes
}
