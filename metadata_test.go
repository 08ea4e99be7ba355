package metacache

import (
	"errors"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"
)

func testCluster(clusterID string, topics ...string) *Cluster {
	nodes := []Node{{NodeID: 0, Host: "localhost", Port: 9092}}
	partitions := make([]PartitionInfo, 0)
	for _, topic := range topics {
		partitions = append(partitions, PartitionInfo{
			Topic:     topic,
			Partition: 0,
			Leader:    0,
			Replicas:  []int32{0},
			Isr:       []int32{0},
		})
	}
	return NewCluster(clusterID, nodes, partitions, nil, nil, nil, 0)
}

func TestVersionIncrementsByOne(t *testing.T) {
	convey.Convey("TestVersionIncrementsByOne", t, func() {
		m, err := NewMetadata(nil, nil)
		convey.So(err, convey.ShouldBeNil)
		convey.So(m.Version(), convey.ShouldEqual, 0)

		for i := 1; i <= 5; i++ {
			err := m.Update(testCluster("c1", "t1"), nil, int64(i*1000))
			convey.So(err, convey.ShouldBeNil)
			convey.So(m.Version(), convey.ShouldEqual, i)
		}
	})
}

func TestAddTopicScheduling(t *testing.T) {
	convey.Convey("TestAddTopicScheduling", t, func() {
		m, err := NewMetadata(&MetadataConfig{RetryBackoffMS: 100, MetadataMaxAgeMS: 1000}, nil)
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("a new topic makes a refresh immediately due", func() {
			m.Add("t1")
			convey.So(m.ContainsTopic("t1"), convey.ShouldBeTrue)
			convey.So(m.UpdateRequested(), convey.ShouldBeTrue)
			convey.So(m.TimeToNextUpdate(1000000), convey.ShouldEqual, 0)
		})

		convey.Convey("re-adding a tracked topic has no scheduling effect", func() {
			m.Add("t1")
			convey.So(m.Update(testCluster("c1", "t1"), nil, 1000), convey.ShouldBeNil)
			convey.So(m.TimeToAllowUpdate(1000), convey.ShouldEqual, 100)

			m.Add("t1")
			convey.So(m.TimeToAllowUpdate(1000), convey.ShouldEqual, 100)
			convey.So(m.UpdateRequested(), convey.ShouldBeFalse)

			m.Add("t2")
			convey.So(m.TimeToAllowUpdate(1000), convey.ShouldEqual, 0)
			convey.So(m.UpdateRequested(), convey.ShouldBeTrue)
		})
	})
}

func TestSetTopics(t *testing.T) {
	convey.Convey("TestSetTopics", t, func() {
		m, err := NewMetadata(nil, nil)
		convey.So(err, convey.ShouldBeNil)

		m.SetTopics([]string{"x"})
		convey.So(m.UpdateRequested(), convey.ShouldBeTrue)
		convey.So(m.Update(testCluster("c1", "x"), nil, 1000), convey.ShouldBeNil)
		convey.So(m.UpdateRequested(), convey.ShouldBeFalse)

		convey.Convey("shrinking the set never forces a refresh", func() {
			m.SetTopics([]string{})
			convey.So(m.UpdateRequested(), convey.ShouldBeFalse)
			convey.So(m.Topics(), convey.ShouldBeEmpty)
		})

		convey.Convey("a set containing an untracked topic forces a refresh", func() {
			m.SetTopics([]string{"x", "y"})
			convey.So(m.UpdateRequested(), convey.ShouldBeTrue)
			convey.So(m.Topics(), convey.ShouldResemble, []string{"x", "y"})
		})
	})
}

func TestRequestUpdateReturnsPreviousVersion(t *testing.T) {
	convey.Convey("TestRequestUpdateReturnsPreviousVersion", t, func() {
		m, err := NewMetadata(nil, nil)
		convey.So(err, convey.ShouldBeNil)

		convey.So(m.RequestUpdate(), convey.ShouldEqual, 0)
		convey.So(m.UpdateRequested(), convey.ShouldBeTrue)

		convey.So(m.Update(testCluster("c1"), nil, 0), convey.ShouldBeNil)
		convey.So(m.RequestUpdate(), convey.ShouldEqual, 1)
	})
}

func TestTopicExpiry(t *testing.T) {
	convey.Convey("TestTopicExpiry", t, func() {
		convey.Convey("expiry enabled", func() {
			config := &MetadataConfig{
				RetryBackoffMS:     100,
				MetadataMaxAgeMS:   1000,
				TopicExpiryEnabled: true,
				TopicExpiryMS:      60000,
			}
			m, err := NewMetadata(config, nil)
			convey.So(err, convey.ShouldBeNil)

			m.Add("x")
			// first update stamps the expiry time, the topic survives
			convey.So(m.Update(testCluster("c1", "x"), nil, 0), convey.ShouldBeNil)
			convey.So(m.ContainsTopic("x"), convey.ShouldBeTrue)

			// before the expiry time the topic still survives
			convey.So(m.Update(testCluster("c1", "x"), nil, 59999), convey.ShouldBeNil)
			convey.So(m.ContainsTopic("x"), convey.ShouldBeTrue)

			// at the expiry time the topic is dropped
			convey.So(m.Update(testCluster("c1", "x"), nil, 60000), convey.ShouldBeNil)
			convey.So(m.ContainsTopic("x"), convey.ShouldBeFalse)
			convey.So(m.Topics(), convey.ShouldBeEmpty)
		})

		convey.Convey("expiry disabled", func() {
			m, err := NewMetadata(nil, nil)
			convey.So(err, convey.ShouldBeNil)

			m.Add("x")
			convey.So(m.Update(testCluster("c1", "x"), nil, 0), convey.ShouldBeNil)
			convey.So(m.Update(testCluster("c1", "x"), nil, 60000000), convey.ShouldBeNil)
			convey.So(m.ContainsTopic("x"), convey.ShouldBeTrue)
		})
	})
}

func TestTimeToNextUpdate(t *testing.T) {
	convey.Convey("TestTimeToNextUpdate", t, func() {
		m, err := NewMetadata(&MetadataConfig{RetryBackoffMS: 100, MetadataMaxAgeMS: 1000}, nil)
		convey.So(err, convey.ShouldBeNil)

		convey.So(m.Update(testCluster("c1"), nil, 0), convey.ShouldBeNil)

		// inside the backoff window
		convey.So(m.TimeToAllowUpdate(50), convey.ShouldEqual, 50)
		// not yet expired, no update requested
		convey.So(m.TimeToNextUpdate(50), convey.ShouldEqual, 950)

		// a requested update only waits for the backoff
		m.RequestUpdate()
		convey.So(m.TimeToNextUpdate(50), convey.ShouldEqual, 50)
		convey.So(m.TimeToNextUpdate(200), convey.ShouldEqual, 0)
	})
}

func TestClusterIDMismatchRejectsUpdate(t *testing.T) {
	convey.Convey("TestClusterIDMismatchRejectsUpdate", t, func() {
		m, err := NewMetadata(nil, nil)
		convey.So(err, convey.ShouldBeNil)

		convey.So(m.Update(testCluster("A", "t1"), nil, 0), convey.ShouldBeNil)
		convey.So(m.Version(), convey.ShouldEqual, 1)

		// a snapshot from another cluster is discarded, not adopted
		convey.So(m.Update(testCluster("B", "t1"), nil, 1000), convey.ShouldBeNil)
		convey.So(m.Version(), convey.ShouldEqual, 1)
		convey.So(m.Fetch().ClusterID(), convey.ShouldEqual, "A")
		convey.So(m.ShouldUpdateClusterMetadataFromBootstrap(1000), convey.ShouldBeTrue)

		m.ClearClusterMetadataUpdateFromBootstrap()
		convey.So(m.ShouldUpdateClusterMetadataFromBootstrap(1000), convey.ShouldBeFalse)

		// the same cluster id is accepted again
		convey.So(m.Update(testCluster("A", "t1"), nil, 2000), convey.ShouldBeNil)
		convey.So(m.Version(), convey.ShouldEqual, 2)
	})
}

func TestShouldUpdateClusterMetadataFromBootstrap(t *testing.T) {
	convey.Convey("TestShouldUpdateClusterMetadataFromBootstrap", t, func() {
		config := &MetadataConfig{
			RetryBackoffMS:          100,
			MetadataMaxAgeMS:        1000,
			ClusterMetadataMaxAgeMS: 5000,
		}
		m, err := NewMetadata(config, nil)
		convey.So(err, convey.ShouldBeNil)

		convey.So(m.Update(testCluster("c1"), nil, 1000), convey.ShouldBeNil)
		m.ResetNodesTriedSinceLastSuccessfulRefresh()

		convey.Convey("fresh metadata does not trigger a bootstrap refresh", func() {
			m.IncrementNodesTriedSinceLastSuccessfulRefresh()
			convey.So(m.ShouldUpdateClusterMetadataFromBootstrap(5999), convey.ShouldBeFalse)
		})

		convey.Convey("stale metadata with at least one node tried does", func() {
			convey.So(m.ShouldUpdateClusterMetadataFromBootstrap(6000), convey.ShouldBeFalse)
			m.IncrementNodesTriedSinceLastSuccessfulRefresh()
			convey.So(m.NodesTriedSinceLastSuccessfulRefresh(), convey.ShouldEqual, 1)
			convey.So(m.ShouldUpdateClusterMetadataFromBootstrap(6000), convey.ShouldBeTrue)
		})

		convey.Convey("a forced bootstrap refresh works without the threshold", func() {
			m2, err := NewMetadata(nil, nil)
			convey.So(err, convey.ShouldBeNil)
			convey.So(m2.ShouldUpdateClusterMetadataFromBootstrap(0), convey.ShouldBeFalse)
			m2.RequestClusterMetadataUpdateFromBootstrap()
			convey.So(m2.ShouldUpdateClusterMetadataFromBootstrap(0), convey.ShouldBeTrue)
		})
	})
}

func TestTrimmedViewForCurrentTopics(t *testing.T) {
	convey.Convey("TestTrimmedViewForCurrentTopics", t, func() {
		m, err := NewMetadata(nil, nil)
		convey.So(err, convey.ShouldBeNil)

		m.SetNeedMetadataForAllTopics(true)
		convey.So(m.NeedMetadataForAllTopics(), convey.ShouldBeTrue)
		m.SetTopics([]string{"x"})

		candidate := NewCluster("c1",
			[]Node{{NodeID: 0, Host: "localhost", Port: 9092}},
			[]PartitionInfo{
				{Topic: "x", Partition: 0, Leader: 0},
				{Topic: "x", Partition: 1, Leader: 0},
				{Topic: "y", Partition: 0, Leader: 0},
			},
			map[string]bool{"x": true, "z": true},
			map[string]bool{"bad;name": true},
			map[string]bool{"__consumer_offsets": true},
			0)

		convey.So(m.Update(candidate, nil, 0), convey.ShouldBeNil)

		cluster := m.Fetch()
		convey.So(cluster.ClusterID(), convey.ShouldEqual, "c1")
		convey.So(len(cluster.PartitionsForTopic("x")), convey.ShouldEqual, 2)
		convey.So(cluster.PartitionsForTopic("y"), convey.ShouldBeEmpty)
		// only topics still of interest stay flagged unauthorized
		convey.So(cluster.UnauthorizedTopics(), convey.ShouldResemble, map[string]bool{"x": true})
		convey.So(cluster.InvalidTopics(), convey.ShouldResemble, map[string]bool{"bad;name": true})
		convey.So(cluster.InternalTopics(), convey.ShouldResemble, map[string]bool{"__consumer_offsets": true})
		convey.So(len(cluster.Nodes()), convey.ShouldEqual, 1)

		convey.Convey("invalid topics are remembered from the previous snapshot", func() {
			next := NewCluster("c1",
				[]Node{{NodeID: 0, Host: "localhost", Port: 9092}},
				[]PartitionInfo{{Topic: "x", Partition: 0, Leader: 0}},
				nil,
				map[string]bool{"another;bad": true},
				nil,
				0)
			convey.So(m.Update(next, nil, 1000), convey.ShouldBeNil)
			convey.So(m.Fetch().InvalidTopics(), convey.ShouldResemble,
				map[string]bool{"bad;name": true, "another;bad": true})
		})
	})
}

func TestAuthenticationErrorDeliveredOnce(t *testing.T) {
	convey.Convey("TestAuthenticationErrorDeliveredOnce", t, func() {
		m, err := NewMetadata(nil, nil)
		convey.So(err, convey.ShouldBeNil)

		authErr := AuthenticationError{Reason: "SASL handshake failed"}
		m.FailedUpdate(1000, authErr)

		convey.So(m.GetAndClearAuthenticationError(), convey.ShouldResemble, authErr)
		convey.So(m.GetAndClearAuthenticationError(), convey.ShouldBeNil)
	})
}

func TestFailedUpdateKeepsBackoff(t *testing.T) {
	convey.Convey("TestFailedUpdateKeepsBackoff", t, func() {
		m, err := NewMetadata(&MetadataConfig{RetryBackoffMS: 100, MetadataMaxAgeMS: 1000}, nil)
		convey.So(err, convey.ShouldBeNil)

		m.FailedUpdate(1000, nil)
		convey.So(m.Version(), convey.ShouldEqual, 0)
		convey.So(m.TimeToAllowUpdate(1000), convey.ShouldEqual, 100)
		convey.So(m.LastSuccessfulUpdate(), convey.ShouldEqual, 0)
	})
}

func TestAwaitUpdate(t *testing.T) {
	convey.Convey("TestAwaitUpdate", t, func() {
		convey.Convey("negative wait fails without blocking", func() {
			m, _ := NewMetadata(nil, nil)
			convey.So(m.AwaitUpdate(0, -1), convey.ShouldEqual, errNegativeMaxWait)
		})

		convey.Convey("returns as soon as the version advances", func() {
			m, _ := NewMetadata(nil, nil)
			go func() {
				time.Sleep(20 * time.Millisecond)
				m.Update(testCluster("c1"), nil, 0)
			}()
			begin := time.Now()
			convey.So(m.AwaitUpdate(0, 5000), convey.ShouldBeNil)
			convey.So(time.Since(begin), convey.ShouldBeLessThan, 5*time.Second)
		})

		convey.Convey("times out when no update comes", func() {
			m, _ := NewMetadata(nil, nil)
			err := m.AwaitUpdate(0, 20)
			var timeoutErr TimeoutError
			convey.So(errors.As(err, &timeoutErr), convey.ShouldBeTrue)
			convey.So(timeoutErr.MaxWaitMS, convey.ShouldEqual, 20)
		})

		convey.Convey("zero wait times out immediately when nothing changed", func() {
			m, _ := NewMetadata(nil, nil)
			err := m.AwaitUpdate(0, 0)
			var timeoutErr TimeoutError
			convey.So(errors.As(err, &timeoutErr), convey.ShouldBeTrue)
		})

		convey.Convey("an already-known version returns at once", func() {
			m, _ := NewMetadata(nil, nil)
			convey.So(m.Update(testCluster("c1"), nil, 0), convey.ShouldBeNil)
			convey.So(m.AwaitUpdate(0, 0), convey.ShouldBeNil)
		})

		convey.Convey("a pending authentication error is raised to the waiter", func() {
			m, _ := NewMetadata(nil, nil)
			errChan := make(chan error, 1)
			go func() {
				errChan <- m.AwaitUpdate(0, 5000)
			}()
			time.Sleep(20 * time.Millisecond)
			m.FailedUpdate(0, AuthenticationError{Reason: "bad credentials"})

			var authErr AuthenticationError
			convey.So(errors.As(<-errChan, &authErr), convey.ShouldBeTrue)
			convey.So(m.GetAndClearAuthenticationError(), convey.ShouldBeNil)
		})

		convey.Convey("close wakes blocked waiters with the closed error", func() {
			m, _ := NewMetadata(nil, nil)
			errChan := make(chan error, 1)
			go func() {
				errChan <- m.AwaitUpdate(0, 60000)
			}()
			time.Sleep(20 * time.Millisecond)
			m.Close()
			convey.So(<-errChan, convey.ShouldEqual, ErrClosed)

			convey.Convey("and new waits fail the same way", func() {
				convey.So(m.AwaitUpdate(0, 60000), convey.ShouldEqual, ErrClosed)
			})
		})
	})
}

func TestUpdateAfterClose(t *testing.T) {
	convey.Convey("TestUpdateAfterClose", t, func() {
		m, _ := NewMetadata(nil, nil)
		m.Close()
		convey.So(m.IsClosed(), convey.ShouldBeTrue)
		convey.So(m.Update(testCluster("c1"), nil, 0), convey.ShouldEqual, ErrClosed)

		// close is idempotent
		m.Close()
		convey.So(m.IsClosed(), convey.ShouldBeTrue)
	})
}

type recordingListener struct {
	name    string
	order   *[]string
	onceRun func(m *Metadata)
	m       *Metadata
}

func (l *recordingListener) OnMetadataUpdate(cluster *Cluster, unavailableTopics map[string]bool) {
	*l.order = append(*l.order, l.name)
	if l.onceRun != nil {
		l.onceRun(l.m)
		l.onceRun = nil
	}
}

func TestListeners(t *testing.T) {
	convey.Convey("TestListeners", t, func() {
		convey.Convey("listeners run in registration order", func() {
			m, _ := NewMetadata(nil, nil)
			order := make([]string, 0)
			first := &recordingListener{name: "first", order: &order}
			second := &recordingListener{name: "second", order: &order}
			m.AddListener(first)
			m.AddListener(second)

			convey.So(m.Update(testCluster("c1"), nil, 0), convey.ShouldBeNil)
			convey.So(order, convey.ShouldResemble, []string{"first", "second"})

			m.RemoveListener(first)
			convey.So(m.Update(testCluster("c1"), nil, 1000), convey.ShouldBeNil)
			convey.So(order, convey.ShouldResemble, []string{"first", "second", "second"})
		})

		convey.Convey("a listener may add topics during dispatch", func() {
			m, _ := NewMetadata(nil, nil)
			order := make([]string, 0)
			listener := &recordingListener{
				name:  "adder",
				order: &order,
				m:     m,
				onceRun: func(m *Metadata) {
					m.Add("added-by-listener")
				},
			}
			m.AddListener(listener)

			convey.So(m.Update(testCluster("c1"), nil, 0), convey.ShouldBeNil)
			convey.So(m.ContainsTopic("added-by-listener"), convey.ShouldBeTrue)
			convey.So(m.UpdateRequested(), convey.ShouldBeTrue)
		})

		convey.Convey("a listener-forced refresh is overridden after a full-topic fetch", func() {
			m, _ := NewMetadata(nil, nil)
			m.SetNeedMetadataForAllTopics(true)
			order := make([]string, 0)
			listener := &recordingListener{
				name:  "adder",
				order: &order,
				m:     m,
				onceRun: func(m *Metadata) {
					m.Add("added-by-listener")
				},
			}
			m.AddListener(listener)

			convey.So(m.Update(testCluster("c1"), nil, 0), convey.ShouldBeNil)
			convey.So(m.ContainsTopic("added-by-listener"), convey.ShouldBeTrue)
			convey.So(m.UpdateRequested(), convey.ShouldBeFalse)
		})
	})
}

type recordingClusterResourceListener struct {
	resources []ClusterResource
}

func (l *recordingClusterResourceListener) OnUpdate(resource ClusterResource) {
	l.resources = append(l.resources, resource)
}

func TestClusterResourceListeners(t *testing.T) {
	convey.Convey("TestClusterResourceListeners", t, func() {
		recorder := &recordingClusterResourceListener{}
		listeners := NewClusterResourceListeners()
		listeners.MaybeAdd(recorder)
		listeners.MaybeAdd("not a listener")

		m, err := NewMetadata(nil, listeners)
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("the bootstrap placeholder does not notify", func() {
			bootstrap, err := BootstrapCluster([]string{"localhost:9092"})
			convey.So(err, convey.ShouldBeNil)
			convey.So(m.Update(bootstrap, nil, 0), convey.ShouldBeNil)
			convey.So(recorder.resources, convey.ShouldBeEmpty)
		})

		convey.Convey("a real snapshot notifies with the cluster id", func() {
			convey.So(m.Update(testCluster("c1"), nil, 0), convey.ShouldBeNil)
			convey.So(len(recorder.resources), convey.ShouldEqual, 1)
			convey.So(recorder.resources[0].ClusterID(), convey.ShouldEqual, "c1")
		})
	})
}

func TestUpdateScenario(t *testing.T) {
	convey.Convey("TestUpdateScenario", t, func() {
		config := &MetadataConfig{
			RetryBackoffMS:         100,
			MetadataMaxAgeMS:       1000,
			AllowAutoTopicCreation: false,
		}
		m, err := NewMetadata(config, nil)
		convey.So(err, convey.ShouldBeNil)
		convey.So(m.AllowAutoTopicCreation(), convey.ShouldBeFalse)

		m.Add("t1")
		convey.So(m.Version(), convey.ShouldEqual, 0)
		convey.So(m.RequestUpdate(), convey.ShouldEqual, 0)
		convey.So(m.UpdateRequested(), convey.ShouldBeTrue)

		errChan := make(chan error, 1)
		go func() {
			errChan <- m.AwaitUpdate(0, 50)
		}()
		time.Sleep(10 * time.Millisecond)

		clusterWithT1 := testCluster("c1", "t1")
		convey.So(m.Update(clusterWithT1, nil, 0), convey.ShouldBeNil)
		convey.So(m.Version(), convey.ShouldEqual, 1)
		convey.So(m.UpdateRequested(), convey.ShouldBeFalse)
		convey.So(m.Fetch(), convey.ShouldEqual, clusterWithT1)
		convey.So(<-errChan, convey.ShouldBeNil)
	})
}
