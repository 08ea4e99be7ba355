package metacache

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// topicExpiryNeedsUpdate marks a topic whose expiry time has not been
// assigned yet. It is resolved to now+topic.expiry.ms on the first
// successful update after the topic was added.
const topicExpiryNeedsUpdate int64 = -1

// Metadata is the client-side cache of the cluster topology. It is shared
// by application goroutines (for routing requests) and the background
// refresh goroutine, and holds the refresh set of topics, the refresh and
// backoff timestamps, and the current cluster snapshot with its version.
//
// Metadata is maintained for only a subset of topics, which can be added to
// over time. If topic expiry is enabled, any topic that has not been used
// within the expiry interval is removed from the refresh set after an
// update.
//
// All state is guarded by one mutex: the snapshot and its version must
// change together, and listeners must observe a consistent state.
type Metadata struct {
	config MetadataConfig

	mutex sync.Mutex

	version                 atomic.Int64
	lastRefreshMS           int64
	lastSuccessfulRefreshMS int64
	authenticationError     error
	cluster                 *Cluster
	needUpdate              bool

	// topics with expiry time
	topics map[string]int64

	listeners                []Listener
	clusterResourceListeners *ClusterResourceListeners
	needMetadataForAllTopics bool
	closed                   bool

	nodesTriedSinceLastSuccessfulRefresh    int
	forceClusterMetadataUpdateFromBootstrap bool

	// notifyChan is closed and replaced on every broadcast; waiters in
	// AwaitUpdate re-check their own condition after each wake.
	notifyChan chan struct{}

	// Listener callbacks run inside Update's critical section, so mutators
	// called back from a listener cannot take the mutex again. They are
	// queued here and applied by Update right after dispatch, before the
	// critical section ends.
	pendingMutex sync.Mutex
	dispatching  bool
	pending      []func()
}

// NewMetadata creates a Metadata instance. config accepts nil,
// map[string]interface{} with kafka config keys, MetadataConfig or
// *MetadataConfig. clusterResourceListeners may be nil.
func NewMetadata(config interface{}, clusterResourceListeners *ClusterResourceListeners) (*Metadata, error) {
	cfg, err := createMetadataConfig(config)
	if err != nil {
		return nil, err
	}
	if clusterResourceListeners == nil {
		clusterResourceListeners = NewClusterResourceListeners()
	}
	return &Metadata{
		config:                   cfg,
		cluster:                  EmptyCluster(),
		topics:                   make(map[string]int64),
		clusterResourceListeners: clusterResourceListeners,
		notifyChan:               make(chan struct{}),
	}, nil
}

// Fetch returns the current cluster snapshot without blocking.
func (m *Metadata) Fetch() *Cluster {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.cluster
}

// Add adds the topic to the refresh set. Adding a new topic makes the next
// scheduling check treat a refresh as immediately due; re-adding an already
// tracked topic has no scheduling effect. If topic expiry is enabled, the
// expiry time is reset on the next update.
func (m *Metadata) Add(topic string) {
	if m.enqueueIfDispatching(func() { m.addLocked(topic) }) {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.addLocked(topic)
}

func (m *Metadata) addLocked(topic string) {
	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = topicExpiryNeedsUpdate
		m.requestUpdateForNewTopicsLocked()
	} else {
		m.topics[topic] = topicExpiryNeedsUpdate
	}
}

// SetTopics replaces the refresh set with the one provided. A refresh is
// forced only if the new set contains a topic not tracked before; shrinking
// the set never forces a refresh.
func (m *Metadata) SetTopics(topics []string) {
	if m.enqueueIfDispatching(func() { m.setTopicsLocked(topics) }) {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.setTopicsLocked(topics)
}

func (m *Metadata) setTopicsLocked(topics []string) {
	containsAll := true
	for _, topic := range topics {
		if _, ok := m.topics[topic]; !ok {
			containsAll = false
			break
		}
	}
	if !containsAll {
		m.requestUpdateForNewTopicsLocked()
	}
	m.topics = make(map[string]int64, len(topics))
	for _, topic := range topics {
		m.topics[topic] = topicExpiryNeedsUpdate
	}
}

// Topics returns the topics currently in the refresh set, sorted.
func (m *Metadata) Topics() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	topics := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// ContainsTopic checks if a topic is in the refresh set.
func (m *Metadata) ContainsTopic(topic string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.topics[topic]
	return ok
}

// RequestUpdate requests a refresh of the cluster metadata and returns the
// version in effect before the call, so the caller can wait for any version
// strictly greater than it.
func (m *Metadata) RequestUpdate() int {
	if m.enqueueIfDispatching(func() { m.needUpdate = true }) {
		return int(m.version.Load())
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.needUpdate = true
	return int(m.version.Load())
}

// RequestClusterMetadataUpdateFromBootstrap requests a refresh that
// re-resolves the bootstrap addresses and picks a node from the resolved
// set, instead of trusting the cached node set. It is set when the client
// receives stale metadata from brokers in a different cluster.
func (m *Metadata) RequestClusterMetadataUpdateFromBootstrap() {
	if m.enqueueIfDispatching(func() { m.forceClusterMetadataUpdateFromBootstrap = true }) {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.forceClusterMetadataUpdateFromBootstrap = true
}

// UpdateRequested checks whether an update has been explicitly requested.
func (m *Metadata) UpdateRequested() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.needUpdate
}

// ShouldUpdateClusterMetadataFromBootstrap reports whether the client should
// update the cluster metadata by resolving the bootstrap addresses again:
// either the client has not refreshed successfully for
// cluster.metadata.max.age.ms while having tried at least one node, or a
// bootstrap update was forced by a cross-cluster metadata response.
func (m *Metadata) ShouldUpdateClusterMetadataFromBootstrap(nowMS int64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return (m.config.ClusterMetadataMaxAgeMS > 0 &&
		m.nodesTriedSinceLastSuccessfulRefresh >= 1 &&
		m.lastRefreshMS != 0 &&
		m.config.ClusterMetadataMaxAgeMS <= nowMS-m.lastSuccessfulRefreshMS) ||
		m.forceClusterMetadataUpdateFromBootstrap
}

// IncrementNodesTriedSinceLastSuccessfulRefresh records one connection
// attempt. The counter is cleared by the refresh actor's own bookkeeping
// after a successful update, not by this cache.
func (m *Metadata) IncrementNodesTriedSinceLastSuccessfulRefresh() {
	if m.enqueueIfDispatching(func() { m.nodesTriedSinceLastSuccessfulRefresh++ }) {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.nodesTriedSinceLastSuccessfulRefresh++
}

// ResetNodesTriedSinceLastSuccessfulRefresh clears the connection attempt
// counter. Called by the refresh actor after a successful update.
func (m *Metadata) ResetNodesTriedSinceLastSuccessfulRefresh() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.nodesTriedSinceLastSuccessfulRefresh = 0
}

// NodesTriedSinceLastSuccessfulRefresh returns the connection attempt
// counter.
func (m *Metadata) NodesTriedSinceLastSuccessfulRefresh() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.nodesTriedSinceLastSuccessfulRefresh
}

// ClearClusterMetadataUpdateFromBootstrap clears the forced bootstrap
// refresh. Called by the refresh actor once it has re-resolved the
// bootstrap addresses.
func (m *Metadata) ClearClusterMetadataUpdateFromBootstrap() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.forceClusterMetadataUpdateFromBootstrap = false
}

// TimeToAllowUpdate returns the remaining time in ms till the cluster info
// can be updated again, i.e. the backoff time left.
func (m *Metadata) TimeToAllowUpdate(nowMS int64) int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.timeToAllowUpdateLocked(nowMS)
}

func (m *Metadata) timeToAllowUpdateLocked(nowMS int64) int64 {
	return max64(m.lastRefreshMS+m.config.RetryBackoffMS-nowMS, 0)
}

// TimeToNextUpdate returns the remaining time in ms till the next refresh
// is due: the maximum of the time the current info expires and the time the
// backoff elapses. If an update has been requested the expiry time is now.
func (m *Metadata) TimeToNextUpdate(nowMS int64) int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var timeToExpire int64
	if !m.needUpdate {
		timeToExpire = max64(m.lastSuccessfulRefreshMS+m.config.MetadataMaxAgeMS-nowMS, 0)
	}
	return max64(timeToExpire, m.timeToAllowUpdateLocked(nowMS))
}

// GetAndClearAuthenticationError clears and returns the authentication
// error encountered during a metadata update, nil if there is none. Each
// error is delivered at most once.
func (m *Metadata) GetAndClearAuthenticationError() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	err := m.authenticationError
	m.authenticationError = nil
	return err
}

// AwaitUpdate blocks until the metadata version is larger than lastVersion,
// the deadline elapses (TimeoutError), or the metadata is closed
// (ErrClosed). A pending authentication error is delivered to the waiter
// immediately. maxWaitMS < 0 is a caller bug and fails without blocking.
func (m *Metadata) AwaitUpdate(lastVersion int, maxWaitMS int64) error {
	if maxWaitMS < 0 {
		return errNegativeMaxWait
	}
	begin := time.Now()

	m.mutex.Lock()
	for int(m.version.Load()) <= lastVersion && !m.closed {
		if err := m.authenticationError; err != nil {
			m.authenticationError = nil
			m.mutex.Unlock()
			return err
		}
		// the deadline is recomputed from elapsed wall time, so spurious
		// wakes cannot extend it
		remainingWaitMS := maxWaitMS - time.Since(begin).Milliseconds()
		if remainingWaitMS > 0 {
			notify := m.notifyChan
			m.mutex.Unlock()
			timer := time.NewTimer(time.Duration(remainingWaitMS) * time.Millisecond)
			select {
			case <-notify:
				timer.Stop()
			case <-timer.C:
			}
			m.mutex.Lock()
		}
		if int(m.version.Load()) <= lastVersion && !m.closed &&
			time.Since(begin).Milliseconds() >= maxWaitMS {
			m.mutex.Unlock()
			return TimeoutError{MaxWaitMS: maxWaitMS}
		}
	}
	closed := m.closed
	m.mutex.Unlock()
	if closed {
		return ErrClosed
	}
	return nil
}

// Update replaces the cached cluster snapshot with newCluster, bumping the
// version by one and waking every goroutine blocked in AwaitUpdate.
// unavailableTopics are topics which are non-existent or have one or more
// partitions whose leader is not known; they are passed through to the
// listeners.
//
// A snapshot from a different cluster does not replace the cache: the
// update is discarded and a bootstrap refresh is requested instead, since
// the node that answered does not belong to this cluster anymore. The
// brokers of the original cluster are still in the cached node set (or
// reachable through re-resolved bootstrap addresses), so a later update can
// recover.
//
// Update returns ErrClosed if called after Close, which is a caller bug.
func (m *Metadata) Update(newCluster *Cluster, unavailableTopics map[string]bool, nowMS int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return ErrClosed
	}

	if !validateCluster(m.cluster, newCluster) {
		m.forceClusterMetadataUpdateFromBootstrap = true
		return nil
	}

	m.needUpdate = false
	m.lastRefreshMS = nowMS
	m.lastSuccessfulRefreshMS = nowMS
	m.version.Add(1)

	if m.config.TopicExpiryEnabled {
		m.expireTopicsLocked(nowMS)
	}

	previousClusterID := m.cluster.ClusterID()

	m.dispatchListenersLocked(newCluster, unavailableTopics)

	if m.needMetadataForAllTopics {
		// a listener may have changed the interested topics, which would
		// request another refresh. All topics were just fetched, so that
		// refresh is unnecessary.
		m.needUpdate = false
		m.cluster = m.clusterForCurrentTopicsLocked(newCluster)
	} else {
		m.cluster = newCluster
	}

	// the bootstrap placeholder carries no real cluster information
	if !newCluster.IsBootstrap() {
		if newCluster.ClusterID() != previousClusterID {
			logger.Info("cluster id", "clusterID", newCluster.ClusterID())
		}
		m.clusterResourceListeners.onUpdate(newCluster.ClusterResource())
	}

	m.broadcastLocked()
	logger.V(3).Info("updated cluster metadata", "version", m.version.Load(), "cluster", m.cluster.String())
	return nil
}

// expireTopicsLocked handles expiry of topics from the metadata refresh
// set: a topic gets its expiry time stamped on its first successful update
// after being added, and is dropped once the expiry time has passed.
func (m *Metadata) expireTopicsLocked(nowMS int64) {
	for topic, expireMS := range m.topics {
		if expireMS == topicExpiryNeedsUpdate {
			if math.MaxInt64-nowMS > m.config.TopicExpiryMS {
				m.topics[topic] = nowMS + m.config.TopicExpiryMS
			} else {
				m.topics[topic] = math.MaxInt64
			}
		} else if expireMS <= nowMS {
			delete(m.topics, topic)
			logger.V(3).Info("removing unused topic from the metadata list", "topic", topic, "expireMS", expireMS, "nowMS", nowMS)
		}
	}
}

// dispatchListenersLocked invokes the listeners registered at the start of
// dispatch, then applies the mutations they queued. Registration changes
// made by a listener take effect from the next update.
func (m *Metadata) dispatchListenersLocked(newCluster *Cluster, unavailableTopics map[string]bool) {
	listeners := append([]Listener(nil), m.listeners...)

	m.pendingMutex.Lock()
	m.dispatching = true
	m.pendingMutex.Unlock()

	for _, listener := range listeners {
		listener.OnMetadataUpdate(newCluster, unavailableTopics)
	}

	m.pendingMutex.Lock()
	m.dispatching = false
	pending := m.pending
	m.pending = nil
	m.pendingMutex.Unlock()

	for _, op := range pending {
		op()
	}
}

// enqueueIfDispatching queues op when the caller is a listener callback
// running inside Update's critical section, where taking the metadata lock
// again would deadlock. Queued ops run before Update's critical section
// ends, so the global ordering of operations is kept.
func (m *Metadata) enqueueIfDispatching(op func()) bool {
	m.pendingMutex.Lock()
	defer m.pendingMutex.Unlock()
	if !m.dispatching {
		return false
	}
	m.pending = append(m.pending, op)
	return true
}

// clusterForCurrentTopicsLocked builds the trimmed view used in
// need-metadata-for-all-topics mode: only the partitions of the topics in
// the refresh set are kept, the unauthorized set is intersected with the
// refresh set, and invalid topics are remembered from the previous
// snapshot. Nodes, controller, internal topics and the cluster id come from
// the candidate unchanged.
func (m *Metadata) clusterForCurrentTopicsLocked(newCluster *Cluster) *Cluster {
	unauthorizedTopics := make(map[string]bool)
	for topic := range newCluster.unauthorizedTopics {
		if _, ok := m.topics[topic]; ok {
			unauthorizedTopics[topic] = true
		}
	}

	invalidTopics := make(map[string]bool)
	for topic := range newCluster.invalidTopics {
		invalidTopics[topic] = true
	}
	for topic := range m.cluster.invalidTopics {
		invalidTopics[topic] = true
	}

	partitions := make([]PartitionInfo, 0)
	for topic := range m.topics {
		partitions = append(partitions, newCluster.partitionsByTopic[topic]...)
	}

	return NewCluster(newCluster.clusterID, newCluster.nodes, partitions,
		unauthorizedTopics, invalidTopics, newCluster.internalTopics, newCluster.controllerID)
}

// FailedUpdate records an attempt to update the metadata that failed, so
// the backoff still applies before the next try. The version and the
// update-requested flag are untouched. A non-nil authenticationError is
// stored for delivery to the next waiter and all waiters are woken so it
// propagates promptly.
func (m *Metadata) FailedUpdate(nowMS int64, authenticationError error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.lastRefreshMS = nowMS
	m.authenticationError = authenticationError
	if authenticationError != nil {
		m.broadcastLocked()
	}
}

// Version returns the current metadata version.
func (m *Metadata) Version() int {
	return int(m.version.Load())
}

// LastSuccessfulUpdate returns the last time in ms the metadata was
// successfully updated.
func (m *Metadata) LastSuccessfulUpdate() int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastSuccessfulRefreshMS
}

// AllowAutoTopicCreation reports whether metadata requests may let brokers
// create the requested topics.
func (m *Metadata) AllowAutoTopicCreation() bool {
	return m.config.AllowAutoTopicCreation
}

// SetNeedMetadataForAllTopics sets whether metadata for all topics in the
// cluster is needed, regardless of the refresh set. Turning it on forces an
// immediate refresh.
func (m *Metadata) SetNeedMetadataForAllTopics(needMetadataForAllTopics bool) {
	if m.enqueueIfDispatching(func() { m.setNeedMetadataForAllTopicsLocked(needMetadataForAllTopics) }) {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.setNeedMetadataForAllTopicsLocked(needMetadataForAllTopics)
}

func (m *Metadata) setNeedMetadataForAllTopicsLocked(needMetadataForAllTopics bool) {
	if needMetadataForAllTopics && !m.needMetadataForAllTopics {
		m.requestUpdateForNewTopicsLocked()
	}
	m.needMetadataForAllTopics = needMetadataForAllTopics
}

// NeedMetadataForAllTopics reports whether metadata for all topics is
// needed.
func (m *Metadata) NeedMetadataForAllTopics() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.needMetadataForAllTopics
}

// AddListener registers a listener that gets notified of metadata updates.
func (m *Metadata) AddListener(listener Listener) {
	if m.enqueueIfDispatching(func() { m.listeners = append(m.listeners, listener) }) {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.listeners = append(m.listeners, listener)
}

// RemoveListener stops notifying the listener of metadata updates.
func (m *Metadata) RemoveListener(listener Listener) {
	if m.enqueueIfDispatching(func() { m.removeListenerLocked(listener) }) {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.removeListenerLocked(listener)
}

func (m *Metadata) removeListenerLocked(listener Listener) {
	for i, l := range m.listeners {
		if l == listener {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Close marks the metadata as terminal and wakes every goroutine blocked in
// AwaitUpdate. It is idempotent. Metadata updates are no longer possible
// afterwards; the goroutine performing updates uses this to relay its exit
// to the goroutines waiting on an update.
func (m *Metadata) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.broadcastLocked()
}

// IsClosed checks if the metadata has been closed.
func (m *Metadata) IsClosed() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.closed
}

// requestUpdateForNewTopicsLocked overrides the timestamp of the last
// refresh so the next scheduling check treats a refresh as immediately due.
func (m *Metadata) requestUpdateForNewTopicsLocked() {
	m.lastRefreshMS = 0
	m.needUpdate = true
}

func (m *Metadata) broadcastLocked() {
	close(m.notifyChan)
	m.notifyChan = make(chan struct{})
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
