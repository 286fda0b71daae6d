//go:build linux

package dempsy

import (
	"encoding/binary"
	"io"
	"net"
	"runtime"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// reader is one of the FramedReceiver's N Reader tasks (§4.1): it owns a
// real epoll instance and a disjoint set of accepted connections, draining
// a single-slot hand-off from the Acceptor on wakeup.
type reader struct {
	cfg      *Config
	pool     *bufferPool
	listener Listener

	epfd   int
	wakeFd int

	pending atomic.Pointer[pendingConn]
	conns   map[int]*connState

	disruptGuid  atomic.Pointer[string]
	disruptFound atomic.Bool

	stopped atomic.Bool
}

type pendingConn struct {
	conn   net.Conn
	secure *noiseState
}

func newReader(cfg *Config, pool *bufferPool, listener Listener) (*reader, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, err
	}
	return &reader{
		cfg:      cfg,
		pool:     pool,
		listener: listener,
		epfd:     epfd,
		wakeFd:   wakeFd,
		conns:    make(map[int]*connState),
	}, nil
}

// handOff publishes conn to this Reader's single-slot and wakes its epoll.
// Per §9's resolved open question: publish-once via CompareAndSwap, with
// the Acceptor spinning (yielding) only if the previous hand-off has not
// yet been consumed.
func (r *reader) handOff(conn net.Conn, secure *noiseState) {
	pc := &pendingConn{conn: conn, secure: secure}
	n := 0
	for !r.pending.CompareAndSwap(nil, pc) {
		n = spinWait(n)
	}
	r.wake()
}

func (r *reader) wake() {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	unix.Write(r.wakeFd, b[:])
}

// disrupt closes any connection on this Reader attached to guid and reports
// whether one was found. It posts a one-slot command consumed during the
// idle/wake branch, matching §4.1's test-hook description.
func (r *reader) disrupt(guid string) bool {
	r.disruptFound.Store(false)
	r.disruptGuid.Store(&guid)
	r.wake()
	// Give the Reader loop a chance to act before reporting back; the
	// caller only needs a best-effort answer for tests.
	for i := 0; i < 1000 && r.disruptGuid.Load() != nil; i++ {
		runtime.Gosched()
	}
	return r.disruptFound.Load()
}

func (r *reader) stop() {
	r.stopped.Store(true)
	r.wake()
}

func (r *reader) run() {
	events := make([]unix.EpollEvent, 64)
	for {
		if r.stopped.Load() {
			r.closeAll()
			unix.Close(r.epfd)
			unix.Close(r.wakeFd)
			return
		}

		n, err := unix.EpollWait(r.epfd, events, int(readerIdleTimeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.cfg.logger.Printf("epoll_wait error: %v", err)
			continue
		}

		if n == 0 {
			r.drainPending()
			r.consumeDisrupt()
			r.sweepIdle()
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakeFd {
				r.drainWake()
				r.drainPending()
				r.consumeDisrupt()
				continue
			}
			cs, ok := r.conns[fd]
			if !ok {
				continue
			}
			r.handleReadable(cs)
		}
		r.sweepIdle()
	}
}

// sweepIdle closes any connection that has not had a successful read in
// cfg.idleTimeout, supplementing §4.1's per-connection state with a
// periodic janitor pass. A zero idleTimeout disables the sweep.
func (r *reader) sweepIdle() {
	timeout := r.cfg.idleTimeout
	if timeout <= 0 {
		return
	}
	cutoff := nowUnixNano() - timeout.Nanoseconds()
	for fd, cs := range r.conns {
		if cs.lastActive.Load() < cutoff {
			r.removeConn(fd, cs)
		}
	}
}

func (r *reader) drainWake() {
	var buf [8]byte
	unix.Read(r.wakeFd, buf[:])
}

func (r *reader) drainPending() {
	for {
		pc := r.pending.Swap(nil)
		if pc == nil {
			return
		}
		r.registerConn(pc)
	}
}

func (r *reader) consumeDisrupt() {
	guidPtr := r.disruptGuid.Load()
	if guidPtr == nil {
		return
	}
	guid := *guidPtr
	for fd, cs := range r.conns {
		if cs.guid == guid {
			r.removeConn(fd, cs)
			r.disruptFound.Store(true)
		}
	}
	r.disruptGuid.CompareAndSwap(guidPtr, nil)
}

func (r *reader) registerConn(pc *pendingConn) {
	conn := pc.conn
	sc, ok := conn.(syscall.Conn)
	if !ok {
		conn.Close()
		return
	}
	rawConn, err := sc.SyscallConn()
	if err != nil {
		conn.Close()
		return
	}
	var fd int
	ctrlErr := rawConn.Control(func(sysfd uintptr) { fd = int(sysfd) })
	if ctrlErr != nil {
		conn.Close()
		return
	}

	cs := &connState{
		fd:   fd,
		conn: conn,
		raw:  rawConn,
		decoder: &FrameDecoder{
			maxMessageSize: r.cfg.maxMessageSize,
		},
		secure: pc.secure,
		peer:   conn.RemoteAddr().String(),
	}
	cs.decoder.state = readSizeShort
	cs.decoder.Alloc = r.pool.get
	cs.lastActive.Store(nowUnixNano())

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		conn.Close()
		return
	}
	r.conns[fd] = cs
}

func (r *reader) handleReadable(cs *connState) {
	n, err := cs.conn.Read(cs.scratch[:])
	if n > 0 {
		cs.lastActive.Store(nowUnixNano())
		data := cs.scratch[:n]
		if cs.secure != nil {
			cs.pending = append(cs.pending, data...)
			for {
				plain, rest, uerr := cs.secure.unsealData(nil, cs.pending)
				if uerr != nil {
					if uerr == io.ErrShortBuffer {
						break
					}
					r.cfg.logger.Printf("decrypt error from %s: %v", cs.peer, uerr)
					r.removeConn(cs.fd, cs)
					return
				}
				cs.pending = rest
				if !r.feed(cs, plain) {
					return
				}
			}
		} else {
			if !r.feed(cs, data) {
				return
			}
		}
	}
	if err != nil {
		r.removeConn(cs.fd, cs)
	}
}

// feed pushes bytes through cs.decoder, delivering completed frames to the
// Listener. Returns false if the connection was dropped (CorruptFrame).
func (r *reader) feed(cs *connState, data []byte) bool {
	_, err := cs.decoder.Feed(data, func(body []byte) {
		r.listener.OnMessage(&lazyReader{pool: r.pool, data: body})
	})
	if err != nil {
		r.cfg.logger.Printf("corrupt frame from %s: %v", cs.peer, err)
		r.cfg.stats.CorruptFrame()
		r.removeConn(cs.fd, cs)
		return false
	}
	return true
}

func (r *reader) removeConn(fd int, cs *connState) {
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if b := cs.decoder.Abandon(); b != nil {
		r.pool.put(b)
	}
	cs.conn.Close()
	delete(r.conns, fd)
}

func (r *reader) closeAll() {
	for fd, cs := range r.conns {
		r.removeConn(fd, cs)
	}
}

func nowUnixNano() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}
