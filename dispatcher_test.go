package dempsy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []RoutedMessage
}

func (s *fakeSender) Send(msg RoutedMessage) error {
	s.sent = append(s.sent, msg)
	return nil
}
func (s *fakeSender) Stop() {}

type fakeFeedbackLoop struct {
	delivered []RoutedMessage
}

func (f *fakeFeedbackLoop) Feedback(addr ContainerAddress, msg RoutedMessage) {
	f.delivered = append(f.delivered, msg)
}

type fixedRouter struct {
	addr ContainerAddress
	ok   bool
}

func (r fixedRouter) SelectDestinationForMessage(KeyedMessageWithType) (ContainerAddress, bool) {
	return r.addr, r.ok
}

func snapshotWithRouters(routers map[string][]Router, senders map[string]Sender) *RoutingSnapshot {
	s := newRoutingSnapshot()
	s.outboundsByMessageType = routers
	s.senders = senders
	return s
}

func TestDispatcherRoutesToRemoteSender(t *testing.T) {
	self := NodeAddress{Guid: "self"}
	remote := NodeAddress{Guid: "remote"}
	sender := &fakeSender{}

	table := NewRoutingTable()
	table.publish(snapshotWithRouters(
		map[string][]Router{"echo": {fixedRouter{addr: ContainerAddress{Node: remote, ClusterIndexes: []int{0}}, ok: true}}},
		map[string]Sender{"remote": sender},
	))

	cfg := NewConfig()
	fb := &fakeFeedbackLoop{}
	d := NewOutgoingDispatcher(table, self, fb, cfg)

	d.Dispatch(KeyedMessageWithType{Key: []byte("k"), MessageTypes: []string{"echo"}, Payload: []byte("p")})

	require.Len(t, sender.sent, 1)
	require.Equal(t, []byte("k"), sender.sent[0].Key)
	require.Empty(t, fb.delivered)
}

func TestDispatcherLoopsBackToSelf(t *testing.T) {
	self := NodeAddress{Guid: "self"}
	table := NewRoutingTable()
	table.publish(snapshotWithRouters(
		map[string][]Router{"echo": {fixedRouter{addr: ContainerAddress{Node: self, ClusterIndexes: []int{2}}, ok: true}}},
		map[string]Sender{},
	))

	cfg := NewConfig()
	fb := &fakeFeedbackLoop{}
	d := NewOutgoingDispatcher(table, self, fb, cfg)

	d.Dispatch(KeyedMessageWithType{Key: []byte("k"), MessageTypes: []string{"echo"}})

	require.Len(t, fb.delivered, 1)
}

func TestDispatcherCoalescesSameNodeAcrossRouters(t *testing.T) {
	self := NodeAddress{Guid: "self"}
	remote := NodeAddress{Guid: "remote"}
	sender := &fakeSender{}

	table := NewRoutingTable()
	table.publish(snapshotWithRouters(
		map[string][]Router{
			"typeA": {fixedRouter{addr: ContainerAddress{Node: remote, ClusterIndexes: []int{0}}, ok: true}},
			"typeB": {fixedRouter{addr: ContainerAddress{Node: remote, ClusterIndexes: []int{1}}, ok: true}},
		},
		map[string]Sender{"remote": sender},
	))

	cfg := NewConfig()
	d := NewOutgoingDispatcher(table, self, &fakeFeedbackLoop{}, cfg)
	d.Dispatch(KeyedMessageWithType{Key: []byte("k"), MessageTypes: []string{"typeA", "typeB"}})

	require.Len(t, sender.sent, 1)
	require.Equal(t, []int{0, 1}, sender.sent[0].ContainerClusters)
}

func TestDispatcherRecordsMessageNotSentOnNoDestination(t *testing.T) {
	self := NodeAddress{Guid: "self"}
	table := NewRoutingTable()
	table.publish(snapshotWithRouters(map[string][]Router{}, map[string]Sender{}))

	stats := NewDefaultStatsCollector()
	cfg := NewConfig(WithStatsCollector(stats))
	d := NewOutgoingDispatcher(table, self, &fakeFeedbackLoop{}, cfg)

	d.Dispatch(KeyedMessageWithType{Key: []byte("k"), MessageTypes: []string{"unknown"}})

	require.Equal(t, int64(1), stats.GetMessageNotSentCount())
}

func TestDispatcherMissingSenderIsDroppedNotFatal(t *testing.T) {
	self := NodeAddress{Guid: "self"}
	remote := NodeAddress{Guid: "remote"}
	table := NewRoutingTable()
	table.publish(snapshotWithRouters(
		map[string][]Router{"echo": {fixedRouter{addr: ContainerAddress{Node: remote, ClusterIndexes: []int{0}}, ok: true}}},
		map[string]Sender{}, // no sender open yet for remote
	))

	cfg := NewConfig()
	d := NewOutgoingDispatcher(table, self, &fakeFeedbackLoop{}, cfg)

	require.NotPanics(t, func() {
		d.Dispatch(KeyedMessageWithType{Key: []byte("k"), MessageTypes: []string{"echo"}})
	})
}

func TestDispatcherNeverReadyFailsFast(t *testing.T) {
	self := NodeAddress{Guid: "self"}
	table := NewRoutingTable() // never published

	stats := NewDefaultStatsCollector()
	cfg := NewConfig(WithStatsCollector(stats))
	d := NewOutgoingDispatcher(table, self, &fakeFeedbackLoop{}, cfg)

	d.Dispatch(KeyedMessageWithType{Key: []byte("k"), MessageTypes: []string{"echo"}})

	require.Equal(t, int64(1), stats.GetMessageNotSentCount())
}

func TestDispatcherStoppedReturnsSilently(t *testing.T) {
	self := NodeAddress{Guid: "self"}
	table := NewRoutingTable()
	table.publish(snapshotWithRouters(map[string][]Router{}, map[string]Sender{}))

	stats := NewDefaultStatsCollector()
	cfg := NewConfig(WithStatsCollector(stats))
	d := NewOutgoingDispatcher(table, self, &fakeFeedbackLoop{}, cfg)
	d.Stop()

	d.Dispatch(KeyedMessageWithType{Key: []byte("k"), MessageTypes: []string{"echo"}})

	require.Equal(t, int64(0), stats.GetMessageNotSentCount())
}
