package metrics

import (
	"time"

	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/types"
)

// ClusterSource is the read side of the manager the collector samples
type ClusterSource interface {
	ListNodes() ([]*types.Node, error)
	ListPods() ([]*types.Pod, error)
}

// Collector periodically samples cluster state into gauges
type Collector struct {
	source   ClusterSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source ClusterSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the cluster once
func (c *Collector) Collect() {
	nodes, err := c.source.ListNodes()
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("Failed to list nodes")
		return
	}
	pods, err := c.source.ListPods()
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("Failed to list pods")
		return
	}

	c.collectNodeMetrics(nodes)
	c.collectPodMetrics(pods)

	errs := types.CheckConsistency(nodes, pods)
	for _, err := range errs {
		log.WithComponent("metrics").Error().Err(err).Msg("Consistency check failed")
	}
	ConsistencyErrors.Set(float64(len(errs)))
}

func (c *Collector) collectNodeMetrics(nodes []*types.Node) {
	// Reset so statuses that emptied out drop back to zero
	NodesTotal.Reset()

	counts := make(map[types.NodeType]map[types.HealthStatus]int)
	capacity, available := 0, 0

	for _, node := range nodes {
		if counts[node.Type] == nil {
			counts[node.Type] = make(map[types.HealthStatus]int)
		}
		counts[node.Type][node.HealthStatus]++

		if node.HealthStatus == types.HealthHealthy {
			capacity += node.CPUTotal
			available += node.CPUAvail
		}
	}

	for nodeType, statuses := range counts {
		for status, count := range statuses {
			NodesTotal.WithLabelValues(string(nodeType), string(status)).Set(float64(count))
		}
	}
	CPUCapacity.Set(float64(capacity))
	CPUAvailable.Set(float64(available))
}

func (c *Collector) collectPodMetrics(pods []*types.Pod) {
	PodsTotal.Reset()

	counts := make(map[types.PodStatus]int)
	for _, pod := range pods {
		counts[pod.Status]++
	}
	for status, count := range counts {
		PodsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
