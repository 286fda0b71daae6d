package dempsy

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RoutingStrategyManager rebuilds outboundsByMessageType from a set of live
// NodeInformation records (§4.3 step 5d). It is the pluggable
// routing-strategy selection policy §1 treats as external; this package
// ships DefaultRoutingStrategyManager, which fans a message type out to
// every cluster that declares it.
type RoutingStrategyManager interface {
	BuildRouters(nodes map[string]NodeInformation, self NodeAddress) map[string][]Router
}

// DefaultRoutingStrategyManager builds one Router per (node, cluster) pair
// that claims a message type; SelectDestinationForMessage always matches
// (no key-range partitioning), which is enough to exercise the dispatcher
// and co-location coalescing contracts without committing to a real
// sharding policy.
type DefaultRoutingStrategyManager struct{}

func (DefaultRoutingStrategyManager) BuildRouters(nodes map[string]NodeInformation, self NodeAddress) map[string][]Router {
	out := make(map[string][]Router)
	for _, ni := range nodes {
		for clusterID, ci := range ni.Clusters {
			r := &staticRouter{addr: ni.Address, cluster: clusterID, indexes: clusterIndexesFor(ni, clusterID)}
			for _, mt := range ci.MessageTypes {
				out[mt] = append(out[mt], r)
			}
		}
	}
	return out
}

// clusterIndexesFor assigns each cluster hosted by a node a stable small
// integer slot: its position among the node's ClusterIds in Compare order,
// so every call gives the same cluster the same index.
func clusterIndexesFor(ni NodeInformation, target ClusterId) []int {
	ids := make([]ClusterId, 0, len(ni.Clusters))
	for id := range ni.Clusters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a].Compare(ids[b]) < 0 })
	for i, id := range ids {
		if id == target {
			return []int{i}
		}
	}
	return []int{0}
}

// staticRouter always resolves to the same ContainerAddress; it is what
// DefaultRoutingStrategyManager installs.
type staticRouter struct {
	addr    NodeAddress
	cluster ClusterId
	indexes []int
}

func (r *staticRouter) SelectDestinationForMessage(KeyedMessageWithType) (ContainerAddress, bool) {
	return ContainerAddress{Node: r.addr, ClusterIndexes: r.indexes}, true
}

// RoutingTableReconciler is the persistent, self-rescheduling task of §4.3:
// it diffs the coordination directory against the current RoutingSnapshot
// and atomically swaps in a new one.
type RoutingTableReconciler struct {
	coord      CoordinationSession
	table      *RoutingTable
	serializer Serializer
	strategy   RoutingStrategyManager
	self       NodeAddress
	cfg        *Config
	pool       *SenderPool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRoutingTableReconciler wires a reconciler for self's view of the
// cluster against coord.
func NewRoutingTableReconciler(coord CoordinationSession, table *RoutingTable, serializer Serializer, self NodeAddress, cfg *Config) *RoutingTableReconciler {
	return &RoutingTableReconciler{
		coord:      coord,
		table:      table,
		serializer: serializer,
		strategy:   DefaultRoutingStrategyManager{},
		self:       self,
		cfg:        cfg,
		stop:       make(chan struct{}),
	}
}

// WithStrategyManager overrides the default fan-out-everywhere policy.
func (r *RoutingTableReconciler) WithStrategyManager(m RoutingStrategyManager) *RoutingTableReconciler {
	r.strategy = m
	return r
}

// Start launches the reconciler's background loop. It runs once
// immediately, then reschedules itself on directory-watch fire or, on
// error, after RetryTimeout (§4.3 step 6).
func (r *RoutingTableReconciler) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop halts the reconciler loop. Idempotent.
func (r *RoutingTableReconciler) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.wg.Wait()
}

func (r *RoutingTableReconciler) loop() {
	defer r.wg.Done()
	for {
		watch := make(chan struct{}, 1)
		err := r.reconcileOnce(watch)
		if err != nil {
			r.cfg.logger.Printf("reconciler: directory error: %v", err)
			select {
			case <-r.stop:
				return
			case <-time.After(r.cfg.retryTimeout):
				continue
			}
		}
		select {
		case <-r.stop:
			return
		case <-watch:
			continue
		}
	}
}

// reconcileOnce executes the 6-step algorithm of §4.3 a single time. watch
// is armed on GetSubdirs so the caller is woken on the next directory
// change (edge-triggered rescheduling).
func (r *RoutingTableReconciler) reconcileOnce(watch chan<- struct{}) error {
	ctx := r.cfg.ctx

	// Step 1: list nodesDir children, fetch each NodeInformation blob.
	children, err := r.coord.GetSubdirs(ctx, NodesPath, watch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCoordination, err)
	}

	observed := make(map[string]NodeInformation)
	for _, guid := range children {
		path := NodesPath + "/" + guid
		blob, err := r.coord.GetData(ctx, path, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCoordination, err)
		}
		var ni NodeInformation
		if err := r.serializer.Deserialize(blob, &ni); err != nil {
			r.cfg.logger.Printf("reconciler: skipping unparseable node blob at %s: %v", path, err)
			continue
		}

		// Step 2: dedupe by NodeAddress; skip adaptor-only nodes.
		if ni.IsAdaptorOnly() {
			continue
		}
		if _, dup := observed[ni.Address.Guid]; dup {
			r.cfg.logger.Printf("reconciler: duplicate node entry for guid %s", ni.Address.Guid)
			continue
		}
		observed[ni.Address.Guid] = ni
	}

	// Step 3: compute Update vs the current snapshot.
	prev := r.table.Load()
	added, removed, changed := diffNodes(prev, observed)

	// Step 4: no-op short circuit.
	if len(added) == 0 && len(removed) == 0 && len(changed) == 0 && prev != nil {
		return nil
	}

	// Step 5: rebuild. §9 prefers an ArcSwap-style pointer swap over the
	// take-clear-rebuild-publish pattern so readers never observe absence
	// mid-update: the previous snapshot stays live and readable for the
	// whole rebuild, and is only replaced once the new one is complete.
	next := newRoutingSnapshot()
	if prev != nil {
		for guid, s := range prev.senders {
			if _, gone := removed[guid]; gone {
				continue
			}
			if _, isChanged := changed[guid]; isChanged {
				continue
			}
			next.senders[guid] = s
			next.nodes[guid] = prev.nodes[guid]
		}
	}

	// Changed addresses are neither retained nor yet removed: stop the old
	// Sender (and drop it from the pool's map) before the open loop below,
	// so pool.Open doesn't hand back the stale connection under the same
	// guid instead of dialing the new host/port.
	for guid := range changed {
		r.senderPoolFor().Stop(guid)
	}

	// On failure mid-rebuild, prev is still published (it was never
	// cleared), so "restore" only means unwinding what this attempt opened.
	opened := make(map[string]Sender)
	restore := func() {
		for _, s := range opened {
			s.Stop()
		}
	}

	for guid, ni := range observed {
		if ni.Address.Equal(r.self) {
			continue // self-loop uses in-process feedback, never a Sender
		}
		if _, retained := next.senders[guid]; retained {
			continue
		}
		pool := r.senderPoolFor()
		s, err := pool.Open(ni.Address)
		if err != nil {
			restore()
			return fmt.Errorf("reconciler: opening sender to %s: %w", guid, err)
		}
		opened[guid] = s
		next.senders[guid] = s
		next.nodes[guid] = ni.Address
	}

	for guid := range removed {
		r.senderPoolFor().Stop(guid)
	}

	next.outboundsByMessageType = r.strategy.BuildRouters(observed, r.self)

	r.table.publish(next)
	return nil
}

// senderPoolFor returns the pool set by AttachSenderPool.
func (r *RoutingTableReconciler) senderPoolFor() *SenderPool {
	return r.pool
}

// AttachSenderPool gives the reconciler the pool it should open/stop
// Senders through. Must be called before Start.
func (r *RoutingTableReconciler) AttachSenderPool(pool *SenderPool) {
	r.pool = pool
}

func diffNodes(prev *RoutingSnapshot, observed map[string]NodeInformation) (added, removed, changed map[string]struct{}) {
	added = make(map[string]struct{})
	removed = make(map[string]struct{})
	changed = make(map[string]struct{})

	if prev == nil {
		for guid := range observed {
			added[guid] = struct{}{}
		}
		return
	}

	for guid, addr := range prev.nodes {
		ni, ok := observed[guid]
		if !ok {
			removed[guid] = struct{}{}
			continue
		}
		if !addr.Equal(ni.Address) || addr.Host != ni.Address.Host || addr.Port != ni.Address.Port {
			changed[guid] = struct{}{}
		}
	}
	for guid := range observed {
		if _, known := prev.nodes[guid]; !known {
			added[guid] = struct{}{}
		}
	}
	return
}
