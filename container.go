package dempsy

// Container is the external per-cluster message processor the threading
// model dispatches to (§1 names processor lifecycle as an application
// concern; this is the narrow contract ContainerWorker needs of it).
// Exactly one of Process or Reject is called per ContainerJob handed to
// this Container's worker (§3 invariant).
type Container interface {
	Process(job *ContainerJob)
	Reject(job *ContainerJob)
}

// ContainerProvider resolves the Container responsible for a given cluster
// index on this node, creating it lazily on first use.
type ContainerProvider interface {
	ContainerFor(clusterIndex int) Container
}

// ContainerProviderFunc adapts a plain function to ContainerProvider.
type ContainerProviderFunc func(clusterIndex int) Container

func (f ContainerProviderFunc) ContainerFor(clusterIndex int) Container { return f(clusterIndex) }
