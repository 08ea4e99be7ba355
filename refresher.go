package metacache

import (
	"errors"
	"sync"
	"time"
)

// Fetcher issues one metadata request through the network layer and decodes
// the response into a cluster snapshot. topics nil means all topics in the
// cluster. unavailableTopics are topics which are non-existent or have one
// or more partitions whose leader is not known.
type Fetcher interface {
	Fetch(topics []string, allowAutoTopicCreation bool) (cluster *Cluster, unavailableTopics map[string]bool, err error)
}

// Refresher is the background refresh actor driving a Metadata instance: it
// sleeps until the next refresh is due, fetches metadata for the topics of
// interest and reports the outcome back to the cache. An authentication
// error from the fetcher is stored in the cache for delivery to waiters.
type Refresher struct {
	metadata *Metadata
	fetcher  Fetcher
	// onBootstrap is called when the cache asks for the bootstrap
	// addresses to be re-resolved instead of trusting the cached node set.
	onBootstrap func()

	closeOnce sync.Once
	closeChan chan struct{}
}

// NewRefresher creates a refresher for metadata driven by fetcher.
// onBootstrap may be nil.
func NewRefresher(metadata *Metadata, fetcher Fetcher, onBootstrap func()) *Refresher {
	return &Refresher{
		metadata:    metadata,
		fetcher:     fetcher,
		onBootstrap: onBootstrap,
		closeChan:   make(chan struct{}),
	}
}

// Start launches the refresh goroutine.
func (r *Refresher) Start() {
	go r.run()
}

// Close stops the refresh goroutine. It does not close the metadata.
func (r *Refresher) Close() {
	r.closeOnce.Do(func() { close(r.closeChan) })
}

func (r *Refresher) run() {
	for {
		waitMS := r.metadata.TimeToNextUpdate(time.Now().UnixMilli())
		if waitMS > 0 {
			timer := time.NewTimer(time.Duration(waitMS) * time.Millisecond)
			select {
			case <-r.closeChan:
				timer.Stop()
				return
			case <-timer.C:
			}
		} else {
			select {
			case <-r.closeChan:
				return
			default:
			}
		}
		r.refreshOnce()
	}
}

func (r *Refresher) refreshOnce() {
	if r.metadata.ShouldUpdateClusterMetadataFromBootstrap(time.Now().UnixMilli()) && r.onBootstrap != nil {
		logger.Info("cluster metadata is stale, re-resolving bootstrap addresses")
		r.onBootstrap()
		r.metadata.ClearClusterMetadataUpdateFromBootstrap()
	}

	var topics []string
	if !r.metadata.NeedMetadataForAllTopics() {
		topics = r.metadata.Topics()
	}

	r.metadata.IncrementNodesTriedSinceLastSuccessfulRefresh()
	cluster, unavailableTopics, err := r.fetcher.Fetch(topics, r.metadata.AllowAutoTopicCreation())
	nowMS := time.Now().UnixMilli()
	if err != nil {
		var authenticationError AuthenticationError
		if errors.As(err, &authenticationError) {
			r.metadata.FailedUpdate(nowMS, authenticationError)
		} else {
			r.metadata.FailedUpdate(nowMS, nil)
		}
		logger.Error(err, "refresh metadata failed", "topics", topics)
		return
	}

	if err := r.metadata.Update(cluster, unavailableTopics, nowMS); err != nil {
		logger.Error(err, "metadata update rejected")
		return
	}
	r.metadata.ResetNodesTriedSinceLastSuccessfulRefresh()
}
