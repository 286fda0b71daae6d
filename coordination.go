package dempsy

import "context"

// CoordinationSession is the external cluster-coordination backend (§6.2):
// a hierarchical namespace with watches. The reconciler is the only
// consumer. Watches are one-shot: after firing once, the consumer must call
// the Get* method again (passing a fresh watcher) to keep observing
// changes.
type CoordinationSession interface {
	// MkdirRecursive ensures path and all its ancestors exist.
	MkdirRecursive(ctx context.Context, path string) error

	// GetSubdirs lists the immediate children of path. If watcher is
	// non-nil, it fires exactly once the next time the child set changes.
	GetSubdirs(ctx context.Context, path string, watcher chan<- struct{}) ([]string, error)

	// GetData fetches the blob stored at path. If watcher is non-nil, it
	// fires exactly once the next time the blob's content changes.
	GetData(ctx context.Context, path string, watcher chan<- struct{}) ([]byte, error)

	// SetData overwrites the blob stored at path, creating it if absent.
	SetData(ctx context.Context, path string, data []byte) error

	// Close releases any resources held by the session.
	Close() error
}

// NodesPath is the standard root under which each node publishes its
// NodeInformation blob, keyed by node guid (§6.2).
const NodesPath = "nodes"
