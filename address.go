package dempsy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidAddress is returned when a node address string cannot be parsed.
var ErrInvalidAddress = errors.New("invalid node address")

// NodeAddress is the opaque identity of a peer in the cluster. Two addresses
// are equal iff their Guid fields are equal; Host/Port and the advertised
// capabilities may legitimately differ between two observations of the same
// node across reconciliations, but Guid never does.
type NodeAddress struct {
	Guid               string
	Scheme             string // "tcp" or "azqueue"
	Host               string
	Port               int
	SerializerId       string
	ReceiveBufferSize  int
	MaxMessageSize     int
}

// NewGuid returns a fresh node identifier.
func NewGuid() string { return uuid.New().String() }

// Equal reports whether two addresses name the same node.
func (a NodeAddress) Equal(other NodeAddress) bool { return a.Guid == other.Guid }

// String renders the address in its wire form, e.g. "tcp://host:port#guid".
func (a NodeAddress) String() string {
	return fmt.Sprintf("%s://%s:%d#%s", a.Scheme, a.Host, a.Port, a.Guid)
}

// ParseNodeAddress parses a "scheme://host:port" address, assigning it a
// fresh guid. cmd/dempsy-node uses it to build the node's own address from
// its -bind flag.
func ParseNodeAddress(raw string) (NodeAddress, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return NodeAddress{}, fmt.Errorf("%w: %s", ErrInvalidAddress, raw)
	}
	host := u.Hostname()
	portStr := u.Port()
	port := 0
	if portStr != "" {
		fmt.Sscanf(portStr, "%d", &port)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "tcp"
	}
	return NodeAddress{
		Guid:   NewGuid(),
		Scheme: scheme,
		Host:   host,
		Port:   port,
	}, nil
}

// ClusterId identifies a logical cluster: an application name plus a cluster
// name within it. Total-ordered lexicographically.
type ClusterId struct {
	ApplicationName string
	ClusterName     string
}

func (c ClusterId) String() string { return c.ApplicationName + "/" + c.ClusterName }

// Compare returns -1, 0, or 1 comparing c to other lexicographically on
// (ApplicationName, ClusterName).
func (c ClusterId) Compare(other ClusterId) int {
	if c.ApplicationName != other.ApplicationName {
		return strings.Compare(c.ApplicationName, other.ApplicationName)
	}
	return strings.Compare(c.ClusterName, other.ClusterName)
}

// ContainerAddress names the containers on one node that should receive a
// message: the node, plus the small integer index of each co-located
// container's slot.
type ContainerAddress struct {
	Node           NodeAddress
	ClusterIndexes []int
}

// WithIndexes returns a copy of the address with additional cluster indexes
// appended (co-location coalescing does not deduplicate; downstream
// containers handle idempotence).
func (c ContainerAddress) WithIndexes(more []int) ContainerAddress {
	merged := make([]int, 0, len(c.ClusterIndexes)+len(more))
	merged = append(merged, c.ClusterIndexes...)
	merged = append(merged, more...)
	return ContainerAddress{Node: c.Node, ClusterIndexes: merged}
}

// ClusterInformation describes one cluster hosted by a node: the message
// types it handles plus opaque routing-strategy metadata.
type ClusterInformation struct {
	Id               ClusterId
	MessageTypes     []string
	StrategyMetadata []byte
}

// NodeInformation is what each node publishes into the coordination
// directory: its address plus the clusters it currently hosts. An empty
// Clusters map marks an "adaptor-only" node, which the reconciler skips.
type NodeInformation struct {
	Address  NodeAddress
	Clusters map[ClusterId]ClusterInformation
}

// IsAdaptorOnly reports whether this node hosts no clusters.
func (n NodeInformation) IsAdaptorOnly() bool { return len(n.Clusters) == 0 }

// RoutedMessage is the wire-level record carried inside a frame payload.
type RoutedMessage struct {
	ContainerClusters []int
	Key               []byte
	Payload           []byte
}

// KeyedMessageWithType is what application code hands to the
// OutgoingDispatcher: a message plus the set of message types it should be
// routed under.
type KeyedMessageWithType struct {
	Key          []byte
	MessageTypes []string
	Payload      []byte
}
