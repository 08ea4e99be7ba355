package metacache

import (
	"fmt"
	"net"
	"strconv"
)

// Node holds the endpoint of one broker in the cluster.
type Node struct {
	NodeID int32
	Host   string
	Port   int32
	Rack   string
}

// Address returns host:port of the node.
func (n Node) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// PartitionInfo describes one partition of a topic: its leader and replica
// assignment as of one metadata refresh. Leader is -1 if no leader is known.
type PartitionInfo struct {
	Topic           string
	Partition       int32
	Leader          int32
	Replicas        []int32
	Isr             []int32
	OfflineReplicas []int32
}

// ClusterResource is the immutable identity of a cluster, passed to
// ClusterResourceListener on metadata updates.
type ClusterResource struct {
	clusterID string
}

// ClusterID returns the cluster id, "" if the id is not known yet.
func (r ClusterResource) ClusterID() string {
	return r.clusterID
}

// Cluster is an immutable snapshot of the cluster topology as of one
// successful metadata refresh: the known nodes, the partitions of the topics
// requested, topic classifications and the controller. A Cluster built by
// BootstrapCluster carries no real topology and no cluster id.
type Cluster struct {
	clusterID          string
	nodes              []Node
	controllerID       int32
	partitionsByTopic  map[string][]PartitionInfo
	unauthorizedTopics map[string]bool
	invalidTopics      map[string]bool
	internalTopics     map[string]bool
	bootstrap          bool
}

// NewCluster builds a snapshot from a decoded metadata response.
// controllerID is -1 if the controller is unknown.
func NewCluster(clusterID string, nodes []Node, partitions []PartitionInfo,
	unauthorizedTopics, invalidTopics, internalTopics map[string]bool, controllerID int32) *Cluster {
	c := &Cluster{
		clusterID:          clusterID,
		nodes:              append([]Node(nil), nodes...),
		controllerID:       controllerID,
		partitionsByTopic:  make(map[string][]PartitionInfo),
		unauthorizedTopics: copyTopicSet(unauthorizedTopics),
		invalidTopics:      copyTopicSet(invalidTopics),
		internalTopics:     copyTopicSet(internalTopics),
	}
	for _, p := range partitions {
		c.partitionsByTopic[p.Topic] = append(c.partitionsByTopic[p.Topic], p)
	}
	return c
}

// EmptyCluster returns a snapshot with no nodes and no topics.
func EmptyCluster() *Cluster {
	return NewCluster("", nil, nil, nil, nil, nil, -1)
}

// BootstrapCluster returns the bootstrap placeholder: a snapshot whose node
// list is fabricated from the resolved bootstrap addresses, with no cluster
// id and no topology. Node ids are negative so they can never collide with
// real broker ids.
func BootstrapCluster(addresses []string) (*Cluster, error) {
	nodes := make([]Node, 0, len(addresses))
	for i, address := range addresses {
		host, portStr, err := net.SplitHostPort(address)
		if err != nil {
			return nil, ConfigError(fmt.Sprintf("invalid bootstrap address %s: %s", address, err))
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, ConfigError(fmt.Sprintf("invalid port in bootstrap address %s: %s", address, err))
		}
		nodes = append(nodes, Node{NodeID: int32(-1 - i), Host: host, Port: int32(port)})
	}
	c := NewCluster("", nodes, nil, nil, nil, nil, -1)
	c.bootstrap = true
	return c, nil
}

// ClusterID returns the cluster id, "" before the first real refresh.
func (c *Cluster) ClusterID() string {
	return c.clusterID
}

// ClusterResource returns the identity of this snapshot.
func (c *Cluster) ClusterResource() ClusterResource {
	return ClusterResource{clusterID: c.clusterID}
}

// IsBootstrap reports whether this snapshot is the bootstrap placeholder.
func (c *Cluster) IsBootstrap() bool {
	return c.bootstrap
}

// Nodes returns a copy of the node list.
func (c *Cluster) Nodes() []Node {
	return append([]Node(nil), c.nodes...)
}

// NodeByID returns the node with the given id.
func (c *Cluster) NodeByID(nodeID int32) (Node, bool) {
	for _, n := range c.nodes {
		if n.NodeID == nodeID {
			return n, true
		}
	}
	return Node{}, false
}

// Controller returns the controller node, false if unknown.
func (c *Cluster) Controller() (Node, bool) {
	return c.NodeByID(c.controllerID)
}

// ControllerID returns the controller node id, -1 if unknown.
func (c *Cluster) ControllerID() int32 {
	return c.controllerID
}

// Topics returns the names of all topics in the snapshot.
func (c *Cluster) Topics() []string {
	topics := make([]string, 0, len(c.partitionsByTopic))
	for topic := range c.partitionsByTopic {
		topics = append(topics, topic)
	}
	return topics
}

// PartitionsForTopic returns a copy of the partitions of the topic, nil if
// the topic is not in the snapshot.
func (c *Cluster) PartitionsForTopic(topic string) []PartitionInfo {
	return append([]PartitionInfo(nil), c.partitionsByTopic[topic]...)
}

// PartitionInfos returns a copy of all partitions in the snapshot.
func (c *Cluster) PartitionInfos() []PartitionInfo {
	partitions := make([]PartitionInfo, 0)
	for _, ps := range c.partitionsByTopic {
		partitions = append(partitions, ps...)
	}
	return partitions
}

// Partition returns the info of one partition of a topic.
func (c *Cluster) Partition(topic string, partition int32) (PartitionInfo, bool) {
	for _, p := range c.partitionsByTopic[topic] {
		if p.Partition == partition {
			return p, true
		}
	}
	return PartitionInfo{}, false
}

// LeaderFor returns the leader node of one partition of a topic.
func (c *Cluster) LeaderFor(topic string, partition int32) (Node, bool) {
	p, ok := c.Partition(topic, partition)
	if !ok || p.Leader < 0 {
		return Node{}, false
	}
	return c.NodeByID(p.Leader)
}

// UnauthorizedTopics returns a copy of the topics the client is not
// authorized to access.
func (c *Cluster) UnauthorizedTopics() map[string]bool {
	return copyTopicSet(c.unauthorizedTopics)
}

// InvalidTopics returns a copy of the topics with invalid names.
func (c *Cluster) InvalidTopics() map[string]bool {
	return copyTopicSet(c.invalidTopics)
}

// InternalTopics returns a copy of the broker-internal topics.
func (c *Cluster) InternalTopics() map[string]bool {
	return copyTopicSet(c.internalTopics)
}

func (c *Cluster) String() string {
	return fmt.Sprintf("Cluster(id=%s, nodes=%d, topics=%d, controller=%d)",
		c.clusterID, len(c.nodes), len(c.partitionsByTopic), c.controllerID)
}

func copyTopicSet(topics map[string]bool) map[string]bool {
	rst := make(map[string]bool, len(topics))
	for topic := range topics {
		rst[topic] = true
	}
	return rst
}

// validateCluster rejects a candidate snapshot only when both the previous
// and the candidate cluster ids are set and differ: the cluster id is stable
// for the life of a client, so a different id means the response came from
// brokers of another cluster and must not replace the cached snapshot.
func validateCluster(previous, candidate *Cluster) bool {
	if previous.clusterID != "" && candidate.clusterID != "" && previous.clusterID != candidate.clusterID {
		logger.Error(nil, "received metadata from a different cluster, rejecting the update",
			"clusterID", candidate.clusterID, "currentClusterID", previous.clusterID)
		return false
	}
	return true
}
