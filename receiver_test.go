package dempsy

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFrame(t *testing.T, w net.Conn, payload []byte) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, EncodeFrame(&buf, payload))
	_, err := w.Write(buf.Bytes())
	require.NoError(t, err)
}

type recordingListener struct {
	mu       sync.Mutex
	payloads [][]byte
	seen     chan struct{}
}

func newRecordingListener(n int) *recordingListener {
	return &recordingListener{seen: make(chan struct{}, n)}
}

func (l *recordingListener) OnMessage(r LazyReader) {
	defer r.Close()
	l.mu.Lock()
	l.payloads = append(l.payloads, append([]byte(nil), r.Bytes()...))
	l.mu.Unlock()
	l.seen <- struct{}{}
}

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestFramedReceiverDeliversOneFrame(t *testing.T) {
	listener := newRecordingListener(1)
	cfg := NewConfig(WithNumReaders(1))
	recv := NewFramedReceiver(listener, cfg)
	addr := freeLoopbackAddr(t)
	require.NoError(t, recv.Start(addr))
	defer recv.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	writeFrame(t, conn, []byte("hello"))

	select {
	case <-listener.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never delivered the frame")
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Equal(t, [][]byte{[]byte("hello")}, listener.payloads)
}

func TestFramedReceiverDeliversMultipleFramesAcrossConnections(t *testing.T) {
	const n = 4
	listener := newRecordingListener(n)
	cfg := NewConfig(WithNumReaders(2))
	recv := NewFramedReceiver(listener, cfg)
	addr := freeLoopbackAddr(t)
	require.NoError(t, recv.Start(addr))
	defer recv.Close()

	for i := 0; i < n; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		writeFrame(t, conn, []byte{byte('a' + i)})
		conn.Close()
	}

	for i := 0; i < n; i++ {
		select {
		case <-listener.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("receiver only delivered %d/%d frames", i, n)
		}
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.Len(t, listener.payloads, n)
}

func TestFramedReceiverCloseStopsAccepting(t *testing.T) {
	listener := newRecordingListener(1)
	cfg := NewConfig(WithNumReaders(1))
	recv := NewFramedReceiver(listener, cfg)
	addr := freeLoopbackAddr(t)
	require.NoError(t, recv.Start(addr))
	require.NoError(t, recv.Close())

	_, err := net.Dial("tcp", addr)
	require.Error(t, err)
}

func TestResolveBindAddrPassesThroughWhenUnset(t *testing.T) {
	cfg := NewConfig()
	got, err := resolveBindAddr(cfg, "127.0.0.1:9999")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", got)
}

func TestResolveBindAddrErrorsOnUnknownInterface(t *testing.T) {
	cfg := NewConfig(WithNetworkInterface("dempsy-test-no-such-iface"))
	_, err := resolveBindAddr(cfg, "0.0.0.0:9999")
	require.Error(t, err)
}

func TestFramedReceiverStartFailsOnUnknownInterface(t *testing.T) {
	listener := newRecordingListener(0)
	cfg := NewConfig(WithNumReaders(1), WithNetworkInterface("dempsy-test-no-such-iface"))
	recv := NewFramedReceiver(listener, cfg)
	err := recv.Start("0.0.0.0:9999")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrBind)
}

func TestFramedReceiverDisruptReportsFalseForUnknownPeer(t *testing.T) {
	listener := newRecordingListener(1)
	cfg := NewConfig(WithNumReaders(1))
	recv := NewFramedReceiver(listener, cfg)
	addr := freeLoopbackAddr(t)
	require.NoError(t, recv.Start(addr))
	defer recv.Close()

	require.False(t, recv.Disrupt("no-such-peer"))
}
