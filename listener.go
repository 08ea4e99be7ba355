package metacache

// Listener gets notified of every successful metadata update.
type Listener interface {
	// OnMetadataUpdate is invoked once per successful update, in
	// registration order, inside the metadata critical section.
	// unavailableTopics are topics which are non-existent or have one or
	// more partitions whose leader is not known.
	//
	// The callback may call non-blocking mutators of the same Metadata
	// (Add, SetTopics, RequestUpdate) but must not call AwaitUpdate, Update
	// or Close.
	OnMetadataUpdate(cluster *Cluster, unavailableTopics map[string]bool)
}

// ClusterResourceListener gets notified of the cluster identity after every
// successful update whose result is not the bootstrap placeholder.
type ClusterResourceListener interface {
	OnUpdate(resource ClusterResource)
}

// ClusterResourceListeners is an insertion-ordered set of
// ClusterResourceListener.
type ClusterResourceListeners struct {
	listeners []ClusterResourceListener
}

// NewClusterResourceListeners creates an empty listener set.
func NewClusterResourceListeners(listeners ...ClusterResourceListener) *ClusterResourceListeners {
	return &ClusterResourceListeners{listeners: listeners}
}

// MaybeAdd adds the candidate if it implements ClusterResourceListener.
// Interceptors, serializers and partitioners are registered through here
// without the caller checking the type.
func (c *ClusterResourceListeners) MaybeAdd(candidate interface{}) {
	if listener, ok := candidate.(ClusterResourceListener); ok {
		c.listeners = append(c.listeners, listener)
	}
}

// Add registers a listener.
func (c *ClusterResourceListeners) Add(listener ClusterResourceListener) {
	c.listeners = append(c.listeners, listener)
}

func (c *ClusterResourceListeners) onUpdate(resource ClusterResource) {
	for _, listener := range c.listeners {
		listener.OnUpdate(resource)
	}
}
