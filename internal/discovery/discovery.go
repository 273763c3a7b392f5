// Package discovery lets workers find the coordinator through gossip
// instead of a fixed address. The coordinator runs a memberlist node whose
// metadata carries its task address; a worker joins any seed, reads the
// metadata and leaves again.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"

	"DistMR/internal/logger"
)

const metaPrefix = "coordinator="

// EventDelegate implements memberlist.EventDelegate for handling membership changes
type EventDelegate struct {
	discovery *NodeDiscovery
}

func (ed *EventDelegate) NotifyJoin(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

func (ed *EventDelegate) NotifyLeave(node *memberlist.Node) {
	ed.discovery.handleNodeLeave(node)
}

func (ed *EventDelegate) NotifyUpdate(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

// metaDelegate publishes a fixed metadata blob and ignores user messages.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// Config for a gossip node.
type Config struct {
	NodeID    string   // defaults to a random id
	BindAddr  string   // address to bind to
	BindPort  int      // 0 picks a free port
	JoinAddrs []string // seeds, "host:port"
}

// NodeDiscovery is one gossip participant.
type NodeDiscovery struct {
	memberlist *memberlist.Memberlist
	logger     *logger.Logger
	mu         sync.RWMutex

	coordinators map[string]string // nodeID -> task address
}

// NewAnnouncer starts a node that advertises taskAddr as the coordinator.
func NewAnnouncer(cfg Config, taskAddr string, lg *logger.Logger) (*NodeDiscovery, error) {
	if taskAddr == "" {
		return nil, fmt.Errorf("coordinator address cannot be empty")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "coordinator-" + uuid.New().String()[:8]
	}
	return newNode(cfg, []byte(metaPrefix+taskAddr), lg)
}

func newNode(cfg Config, meta []byte, lg *logger.Logger) (*NodeDiscovery, error) {
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("discovery")
	if cfg.NodeID == "" {
		cfg.NodeID = "worker-" + uuid.New().String()[:8]
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1"
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node metadata too large: %d bytes", len(meta))
	}

	nd := &NodeDiscovery{
		logger:       lg,
		coordinators: make(map[string]string),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.RetransmitMult = 3
	mlConfig.ProbeInterval = 1 * time.Second
	mlConfig.ProbeTimeout = 500 * time.Millisecond
	mlConfig.GossipInterval = 200 * time.Millisecond
	mlConfig.GossipNodes = 3
	mlConfig.Delegate = &metaDelegate{meta: meta}
	mlConfig.Events = &EventDelegate{discovery: nd}
	if lg.Level() > logger.DEBUG {
		mlConfig.LogOutput = io.Discard
	}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		lg.Error("Failed to create memberlist: %v", err)
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	nd.memberlist = ml

	lg.Info("Gossip node started: node_id=%s addr=%s", cfg.NodeID, nd.Addr())

	if len(cfg.JoinAddrs) > 0 {
		n, err := ml.Join(cfg.JoinAddrs)
		if err != nil {
			ml.Shutdown()
			lg.Error("Failed to join cluster: %v", err)
			return nil, fmt.Errorf("failed to join %v: %w", cfg.JoinAddrs, err)
		}
		lg.Info("Joined cluster: contacted=%d members=%d", n, ml.NumMembers())
	}

	return nd, nil
}

// Addr returns the gossip address other nodes can join.
func (nd *NodeDiscovery) Addr() string {
	node := nd.memberlist.LocalNode()
	return net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
}

// CoordinatorAddr returns the task address of a known coordinator.
func (nd *NodeDiscovery) CoordinatorAddr() (string, bool) {
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	for _, addr := range nd.coordinators {
		return addr, true
	}
	return "", false
}

// NumMembers returns the number of live gossip members.
func (nd *NodeDiscovery) NumMembers() int {
	return nd.memberlist.NumMembers()
}

func (nd *NodeDiscovery) handleNodeJoin(node *memberlist.Node) {
	meta := string(node.Meta)
	if !strings.HasPrefix(meta, metaPrefix) {
		nd.logger.Debug("Node joined: node_id=%s", node.Name)
		return
	}

	addr := strings.TrimPrefix(meta, metaPrefix)
	nd.mu.Lock()
	nd.coordinators[node.Name] = addr
	nd.mu.Unlock()

	nd.logger.Info("Coordinator discovered: node_id=%s addr=%s", node.Name, addr)
}

func (nd *NodeDiscovery) handleNodeLeave(node *memberlist.Node) {
	nd.mu.Lock()
	delete(nd.coordinators, node.Name)
	nd.mu.Unlock()

	nd.logger.Debug("Node left: node_id=%s", node.Name)
}

// Leave gracefully leaves the cluster
func (nd *NodeDiscovery) Leave(timeout time.Duration) error {
	return nd.memberlist.Leave(timeout)
}

// Shutdown shuts down the discovery service
func (nd *NodeDiscovery) Shutdown() error {
	return nd.memberlist.Shutdown()
}

// Resolve joins the seeds in cfg.JoinAddrs just long enough to learn the
// coordinator's task address.
func Resolve(ctx context.Context, cfg Config, lg *logger.Logger) (string, error) {
	if len(cfg.JoinAddrs) == 0 {
		return "", fmt.Errorf("no gossip seeds to join")
	}

	nd, err := newNode(cfg, nil, lg)
	if err != nil {
		return "", err
	}
	defer func() {
		nd.Leave(time.Second)
		nd.Shutdown()
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if addr, ok := nd.CoordinatorAddr(); ok {
			return addr, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no coordinator found via %v: %w", cfg.JoinAddrs, ctx.Err())
		case <-ticker.C:
		}
	}
}
