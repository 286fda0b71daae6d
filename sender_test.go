package dempsy

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// listenLoopback starts a plain TCP listener on 127.0.0.1 and returns the
// NodeAddress a TCPSender would dial to reach it.
func listenLoopback(t *testing.T) (net.Listener, NodeAddress) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ln, NodeAddress{Guid: "remote", Scheme: "tcp", Host: host, Port: port}
}

func TestTCPSenderDeliversFramedMessage(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	cfg := NewConfig()
	serializer := NewGobSerializer()
	sender, err := openSender(cfg.Context(), addr, serializer, cfg)
	require.NoError(t, err)
	defer sender.Stop()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the sender's connection")
	}
	defer conn.Close()

	msg := RoutedMessage{ContainerClusters: []int{0}, Key: []byte("k"), Payload: []byte("hello")}
	require.NoError(t, sender.Send(msg))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	d := NewFrameDecoder(1 << 20)
	buf := make([]byte, 4096)
	var got RoutedMessage
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		var decodeErr error
		_, decodeErr = d.Feed(buf[:n], func(payload []byte) {
			require.NoError(t, serializer.Deserialize(payload, &got))
		})
		require.NoError(t, decodeErr)
		if got.Key != nil {
			break
		}
	}

	require.Equal(t, msg.Key, got.Key)
	require.Equal(t, msg.Payload, got.Payload)
	require.Equal(t, msg.ContainerClusters, got.ContainerClusters)
}

func TestTCPSenderSendFailsAfterStop(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()
	go ln.Accept()

	cfg := NewConfig()
	sender, err := openSender(cfg.Context(), addr, NewGobSerializer(), cfg)
	require.NoError(t, err)

	sender.Stop()
	require.Eventually(t, func() bool {
		return sender.Send(RoutedMessage{Key: []byte("x")}) != nil
	}, time.Second, time.Millisecond)
}

func TestSenderPoolReusesOpenSender(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	cfg := NewConfig()
	pool := NewSenderPool(cfg.Context(), NewGobSerializer(), cfg)
	defer pool.Shutdown()

	first, err := pool.Open(addr)
	require.NoError(t, err)
	second, err := pool.Open(addr)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSenderPoolStopRemovesSender(t *testing.T) {
	ln, addr := listenLoopback(t)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	cfg := NewConfig()
	pool := NewSenderPool(cfg.Context(), NewGobSerializer(), cfg)
	defer pool.Shutdown()

	_, err := pool.Open(addr)
	require.NoError(t, err)
	require.NotNil(t, pool.Get(addr.Guid))

	pool.Stop(addr.Guid)
	require.Nil(t, pool.Get(addr.Guid))
}

func TestOpenSenderUnknownSchemeFails(t *testing.T) {
	cfg := NewConfig()
	_, err := openSender(context.Background(), NodeAddress{Guid: "x", Scheme: "carrier-pigeon"}, NewGobSerializer(), cfg)
	require.Error(t, err)
}
