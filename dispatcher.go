package dempsy

import (
	"sync/atomic"
)

// FeedbackLoop is the in-process destination for messages addressed to this
// node (§4.4 step 5's "self-loop uses an in-process feedback path").
// Production wiring points this at the ThreadingModel's SubmitDecoded.
type FeedbackLoop interface {
	Feedback(addr ContainerAddress, msg RoutedMessage)
}

// threadingFeedbackLoop adapts an OrderedPerContainerThreadingModel to
// FeedbackLoop: self-addressed messages already carry ContainerClusters and
// skip deserialization entirely, landing directly on the Shuttle's
// immediate-route path.
type threadingFeedbackLoop struct {
	model *OrderedPerContainerThreadingModel
}

// NewThreadingFeedbackLoop wires model as a node's self-loop destination.
func NewThreadingFeedbackLoop(model *OrderedPerContainerThreadingModel) FeedbackLoop {
	return &threadingFeedbackLoop{model: model}
}

func (f *threadingFeedbackLoop) Feedback(_ ContainerAddress, msg RoutedMessage) {
	f.model.SubmitDecoded(msg)
}

// OutgoingDispatcher is application code's front door (§4.4): it resolves
// destinations for a message via the live RoutingSnapshot and enqueues to
// the appropriate Sender, or loops the message back in-process for the
// local node.
type OutgoingDispatcher struct {
	table    *RoutingTable
	self     NodeAddress
	feedback FeedbackLoop
	cfg      *Config

	stopped atomic.Bool
}

// NewOutgoingDispatcher wires a dispatcher for self against table.
func NewOutgoingDispatcher(table *RoutingTable, self NodeAddress, feedback FeedbackLoop, cfg *Config) *OutgoingDispatcher {
	return &OutgoingDispatcher{table: table, self: self, feedback: feedback, cfg: cfg}
}

// Stop marks the dispatcher as stopped; further Dispatch calls return
// silently per §4.4 step 1.
func (d *OutgoingDispatcher) Stop() { d.stopped.Store(true) }

// Dispatch resolves msg's destinations and enqueues it to each, per the
// 6-step algorithm of §4.4. It never returns an error: routing misses are
// recorded on the StatsCollector, never surfaced to the caller.
func (d *OutgoingDispatcher) Dispatch(msg KeyedMessageWithType) {
	if d.stopped.Load() {
		return
	}

	snap := d.loadSnapshotWithRetry()
	if snap == nil {
		// Never became ready: a configuration/bring-up error, not a
		// transient one. Count it as an unsent message and return.
		d.cfg.stats.MessageNotSent()
		return
	}

	destinations := make(map[string]ContainerAddress)
	var order []string

	for _, mt := range msg.MessageTypes {
		routers := snap.RoutersFor(mt)
		if routers == nil {
			continue // absent: skip this type with a trace
		}
		for _, router := range routers {
			addr, ok := router.SelectDestinationForMessage(msg)
			if !ok {
				continue
			}
			guid := addr.Node.Guid
			if existing, seen := destinations[guid]; seen {
				destinations[guid] = existing.WithIndexes(addr.ClusterIndexes)
			} else {
				destinations[guid] = addr
				order = append(order, guid)
			}
		}
	}

	sentAny := false
	for _, guid := range order {
		addr := destinations[guid]
		routed := RoutedMessage{
			ContainerClusters: addr.ClusterIndexes,
			Key:               msg.Key,
			Payload:           msg.Payload,
		}

		if addr.Node.Equal(d.self) {
			d.feedback.Feedback(addr, routed)
			sentAny = true
			continue
		}

		sender := snap.SenderFor(guid)
		if sender == nil {
			// Missing Sender during the brief post-reconciliation window
			// (§4.4 step 5): log and drop, don't retry.
			d.cfg.logger.Printf("dispatcher: no sender open for node %s, dropping", guid)
			continue
		}
		if err := sender.Send(routed); err != nil {
			d.cfg.logger.Printf("dispatcher: send to %s failed: %v", guid, err)
			continue
		}
		sentAny = true
	}

	if !sentAny {
		d.cfg.stats.MessageNotSent()
	}
}

// loadSnapshotWithRetry implements §4.4 step 1: on a nil snapshot it fails
// fast if RoutingTable.Ready is false and otherwise yield-retries a bounded
// number of times. publish never installs nil, so once the table is ready
// the first Load already succeeds.
func (d *OutgoingDispatcher) loadSnapshotWithRetry() *RoutingSnapshot {
	if snap := d.table.Load(); snap != nil {
		return snap
	}
	if !d.table.Ready() {
		return nil
	}
	n := 0
	for i := 0; i < 10000; i++ {
		if d.stopped.Load() {
			return nil
		}
		if snap := d.table.Load(); snap != nil {
			return snap
		}
		n = spinWait(n)
	}
	return nil
}
