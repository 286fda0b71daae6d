package dempsy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryCoordinationMkdirRecursiveIsIdempotent(t *testing.T) {
	m := NewMemoryCoordinationSession()
	require.NoError(t, m.MkdirRecursive(context.Background(), "a/b/c"))
	require.NoError(t, m.MkdirRecursive(context.Background(), "a/b/c"))

	children, err := m.GetSubdirs(context.Background(), "a", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, children)
}

func TestMemoryCoordinationSetGetDataRoundTrip(t *testing.T) {
	m := NewMemoryCoordinationSession()
	require.NoError(t, m.MkdirRecursive(context.Background(), NodesPath))
	require.NoError(t, m.SetData(context.Background(), NodesPath+"/n1", []byte("blob")))

	got, err := m.GetData(context.Background(), NodesPath+"/n1", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("blob"), got)
}

func TestMemoryCoordinationSubdirWatchFiresOnNewChild(t *testing.T) {
	m := NewMemoryCoordinationSession()
	require.NoError(t, m.MkdirRecursive(context.Background(), NodesPath))

	watch := make(chan struct{}, 1)
	_, err := m.GetSubdirs(context.Background(), NodesPath, watch)
	require.NoError(t, err)

	require.NoError(t, m.SetData(context.Background(), NodesPath+"/n1", []byte("x")))

	select {
	case <-watch:
	case <-time.After(time.Second):
		t.Fatal("subdir watch never fired after a new child appeared")
	}
}

func TestMemoryCoordinationSubdirWatchIsOneShot(t *testing.T) {
	m := NewMemoryCoordinationSession()
	require.NoError(t, m.MkdirRecursive(context.Background(), NodesPath))

	watch := make(chan struct{}, 1)
	_, err := m.GetSubdirs(context.Background(), NodesPath, watch)
	require.NoError(t, err)
	require.NoError(t, m.SetData(context.Background(), NodesPath+"/n1", []byte("x")))
	<-watch

	// A second change must not refire the same watcher: it already fired once.
	require.NoError(t, m.SetData(context.Background(), NodesPath+"/n2", []byte("y")))
	select {
	case <-watch:
		t.Fatal("one-shot watcher fired a second time")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryCoordinationDataWatchFiresOnChange(t *testing.T) {
	m := NewMemoryCoordinationSession()
	require.NoError(t, m.MkdirRecursive(context.Background(), NodesPath))
	require.NoError(t, m.SetData(context.Background(), NodesPath+"/n1", []byte("v1")))

	watch := make(chan struct{}, 1)
	_, err := m.GetData(context.Background(), NodesPath+"/n1", watch)
	require.NoError(t, err)

	require.NoError(t, m.SetData(context.Background(), NodesPath+"/n1", []byte("v2")))

	select {
	case <-watch:
	case <-time.After(time.Second):
		t.Fatal("data watch never fired after the blob changed")
	}
}

func TestMemoryCoordinationGetSubdirsIsScopedToDirectChildren(t *testing.T) {
	m := NewMemoryCoordinationSession()
	require.NoError(t, m.MkdirRecursive(context.Background(), "a/b/c"))
	require.NoError(t, m.MkdirRecursive(context.Background(), "a/d"))

	children, err := m.GetSubdirs(context.Background(), "a", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "d"}, children)
}
