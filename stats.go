package dempsy

import "sync/atomic"

// StatsCollector is the side-effect-only statistics sink consumed by the
// dispatcher, receiver, and sender (§6.3). It is an external collaborator;
// DefaultStatsCollector is a reference implementation used by tests and by
// cmd/dempsy-node when no application-supplied collector is configured.
type StatsCollector interface {
	MessageSent()
	MessageNotSent()
	MessageReceived()
	MessageDiscarded()
	CorruptFrame()
	SenderReconnect()
}

// DefaultStatsCollector implements StatsCollector with atomic counters.
type DefaultStatsCollector struct {
	sent        int64
	notSent     int64
	received    int64
	discarded   int64
	corrupt     int64
	reconnects  int64
}

// NewDefaultStatsCollector creates a zeroed collector.
func NewDefaultStatsCollector() *DefaultStatsCollector { return &DefaultStatsCollector{} }

func (s *DefaultStatsCollector) MessageSent()      { atomic.AddInt64(&s.sent, 1) }
func (s *DefaultStatsCollector) MessageNotSent()   { atomic.AddInt64(&s.notSent, 1) }
func (s *DefaultStatsCollector) MessageReceived()  { atomic.AddInt64(&s.received, 1) }
func (s *DefaultStatsCollector) MessageDiscarded() { atomic.AddInt64(&s.discarded, 1) }
func (s *DefaultStatsCollector) CorruptFrame()     { atomic.AddInt64(&s.corrupt, 1) }
func (s *DefaultStatsCollector) SenderReconnect()  { atomic.AddInt64(&s.reconnects, 1) }

func (s *DefaultStatsCollector) GetMessageSentCount() int64      { return atomic.LoadInt64(&s.sent) }
func (s *DefaultStatsCollector) GetMessageNotSentCount() int64   { return atomic.LoadInt64(&s.notSent) }
func (s *DefaultStatsCollector) GetMessageReceivedCount() int64  { return atomic.LoadInt64(&s.received) }
func (s *DefaultStatsCollector) GetMessageDiscardedCount() int64 { return atomic.LoadInt64(&s.discarded) }
func (s *DefaultStatsCollector) GetCorruptFrameCount() int64     { return atomic.LoadInt64(&s.corrupt) }
func (s *DefaultStatsCollector) GetSenderReconnectCount() int64  { return atomic.LoadInt64(&s.reconnects) }

// statsSender decorates a Sender so every send() call updates the
// StatsCollector without Sender's own logic needing to know about
// statistics, mirroring the teacher's metricsDriver/metricsTransport
// decorator shape.
type statsSender struct {
	Sender
	stats StatsCollector
}

func newStatsSender(s Sender, stats StatsCollector) Sender {
	if stats == nil {
		return s
	}
	return &statsSender{Sender: s, stats: stats}
}

func (s *statsSender) Send(msg RoutedMessage) error {
	err := s.Sender.Send(msg)
	if err == nil {
		s.stats.MessageSent()
	}
	return err
}

// statsListener decorates a Listener so every completed frame delivery
// updates the StatsCollector.
type statsListener struct {
	Listener
	stats StatsCollector
}

func newStatsListener(l Listener, stats StatsCollector) Listener {
	if stats == nil {
		return l
	}
	return &statsListener{Listener: l, stats: stats}
}

func (l *statsListener) OnMessage(r LazyReader) {
	l.stats.MessageReceived()
	l.Listener.OnMessage(r)
}
