package dempsy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
)

// Sender is the contract the SenderPool maintains one instance of per
// remote NodeAddress (§6.3 names Sender as a pluggable collaborator; the
// two concrete shapes below — TCPSender and the azqueue-backed sender in
// sender_azqueue.go — are this repo's implementations).
type Sender interface {
	// Send best-effort serializes and pushes msg. It fails silently at the
	// caller level per §4.2: the caller observes only the error return and
	// is expected to log/record statistics, never retry internally.
	Send(msg RoutedMessage) error
	// Stop discards any messages still queued (it does not flush them) and
	// closes the underlying connection. Idempotent.
	Stop()
}

// SenderFactory opens a Sender for addr. Selected by NodeAddress.Scheme.
type SenderFactory func(ctx context.Context, addr NodeAddress, serializer Serializer, cfg *Config) (Sender, error)

var senderFactories = map[string]SenderFactory{
	"tcp": newTCPSender,
}

// RegisterSenderFactory installs a SenderFactory for the given NodeAddress
// scheme, mirroring the teacher's driver-registry shape (RegisterFactory in
// aznet.go) generalized from transport bootstrap to sender selection.
func RegisterSenderFactory(scheme string, f SenderFactory) {
	senderFactories[scheme] = f
}

func openSender(ctx context.Context, addr NodeAddress, serializer Serializer, cfg *Config) (Sender, error) {
	f, ok := senderFactories[addr.Scheme]
	if !ok {
		return nil, fmt.Errorf("dempsy: no sender factory registered for scheme %q", addr.Scheme)
	}
	s, err := f(ctx, addr, serializer, cfg)
	if err != nil {
		return nil, err
	}
	return newStatsSender(s, cfg.stats), nil
}

// SenderPool maintains one Sender per remote NodeAddress, opened lazily by
// the reconciler and torn down when a node leaves the directory (§4.2).
type SenderPool struct {
	ctx        context.Context
	serializer Serializer
	cfg        *Config

	mu      sync.Mutex
	senders map[string]Sender // keyed by NodeAddress.Guid
}

// NewSenderPool creates an empty pool.
func NewSenderPool(ctx context.Context, serializer Serializer, cfg *Config) *SenderPool {
	return &SenderPool{ctx: ctx, serializer: serializer, cfg: cfg, senders: make(map[string]Sender)}
}

// Open returns the Sender for addr, opening one if none exists yet.
func (p *SenderPool) Open(addr NodeAddress) (Sender, error) {
	p.mu.Lock()
	if s, ok := p.senders[addr.Guid]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := openSender(p.ctx, addr, p.serializer, p.cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.senders[addr.Guid]; ok {
		p.mu.Unlock()
		s.Stop()
		return existing, nil
	}
	p.senders[addr.Guid] = s
	p.mu.Unlock()
	return s, nil
}

// Get returns the Sender currently open for guid, or nil if none.
func (p *SenderPool) Get(guid string) Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senders[guid]
}

// Stop removes and stops the Sender for guid, if any.
func (p *SenderPool) Stop(guid string) {
	p.mu.Lock()
	s, ok := p.senders[guid]
	if ok {
		delete(p.senders, guid)
	}
	p.mu.Unlock()
	if ok {
		s.Stop()
	}
}

// Shutdown stops every Sender in the pool. Idempotent.
func (p *SenderPool) Shutdown() {
	p.mu.Lock()
	all := p.senders
	p.senders = make(map[string]Sender)
	p.mu.Unlock()
	for _, s := range all {
		s.Stop()
	}
}

// TCPSender is the default Sender: one TCP connection per remote node, a
// bounded outbound channel, and a writer goroutine that frames and writes
// each message, reconnecting with backoff on failure (§4.2).
type TCPSender struct {
	addr       NodeAddress
	serializer Serializer
	cfg        *Config

	outbound chan RoutedMessage
	done     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	conn   net.Conn
	secure *noiseState
	failed bool
}

func newTCPSender(ctx context.Context, addr NodeAddress, serializer Serializer, cfg *Config) (Sender, error) {
	s := &TCPSender{
		addr:       addr,
		serializer: serializer,
		cfg:        cfg,
		outbound:   make(chan RoutedMessage, cfg.senderQueueDepth),
		done:       make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

func (s *TCPSender) Send(msg RoutedMessage) error {
	select {
	case s.outbound <- msg:
		return nil
	case <-s.done:
		return ErrShutdownInProgress
	default:
		return ErrSenderUnavailable
	}
}

func (s *TCPSender) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *TCPSender) run(ctx context.Context) {
	backoff := NewAdaptivePoll(s.cfg.fastPoll, s.cfg.steadyPoll)
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(); err != nil {
			s.cfg.stats.SenderReconnect()
			backoff.Sleep()
			continue
		}
		backoff.Reset()
		s.writeLoop()
		// writeLoop returns only on failure or shutdown; drop whatever was
		// queued per §4.2 and loop to reconnect unless we're stopping.
		s.drainOnFailure()
	}
}

func (s *TCPSender) connect() error {
	conn, err := net.Dial(s.addr.Scheme, fmt.Sprintf("%s:%d", s.addr.Host, s.addr.Port))
	if err != nil {
		return err
	}
	var secure *noiseState
	if s.cfg.secureTransport {
		secure, err = secureDial(conn)
		if err != nil {
			conn.Close()
			return err
		}
	}
	s.mu.Lock()
	s.conn = conn
	s.secure = secure
	s.failed = false
	s.mu.Unlock()
	return nil
}

func (s *TCPSender) writeLoop() {
	var buf bytes.Buffer
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.outbound:
			if !ok {
				return
			}
			payload, err := s.serializer.Serialize(msg)
			if err != nil {
				s.cfg.logger.Printf("sender: dropping message to %s: serialize failed: %v", s.addr.Guid, err)
				continue
			}
			buf.Reset()
			if err := EncodeFrame(&buf, payload); err != nil {
				continue
			}
			s.mu.Lock()
			conn := s.conn
			secure := s.secure
			s.mu.Unlock()
			if conn == nil {
				return
			}
			wire := buf.Bytes()
			if secure != nil {
				sealed, err := secure.sealData(nil, wire)
				if err != nil {
					s.markFailed()
					return
				}
				wire = sealed
			}
			if _, err := conn.Write(wire); err != nil {
				s.markFailed()
				return
			}
		}
	}
}

func (s *TCPSender) markFailed() {
	s.mu.Lock()
	s.failed = true
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *TCPSender) drainOnFailure() {
	for {
		select {
		case <-s.outbound:
		default:
			return
		}
	}
}
