package metrics

import (
	"time"

	"github.com/hutchcloud/hutch/pkg/types"
)

// InstanceLister is the slice of the registry the collector reads
type InstanceLister interface {
	ListInstances(namespace string) ([]*types.Instance, error)
}

// QueueInspector is the slice of the delivery broker the collector reads
type QueueInspector interface {
	Queues() []string
	Depth(queue string) (int, error)
}

// Collector periodically republishes the gauges that describe current
// state rather than events: instances by lifecycle state and per-queue
// depth.
type Collector struct {
	instances InstanceLister
	queues    QueueInspector
	stopCh    chan struct{}
}

// NewCollector creates a collector over the registry and delivery broker.
// Either source may be nil; its gauges are simply not collected.
func NewCollector(instances InstanceLister, queues QueueInspector) *Collector {
	return &Collector{
		instances: instances,
		queues:    queues,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting every 15 seconds
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
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

func (c *Collector) collect() {
	c.collectInstanceMetrics()
	c.collectQueueMetrics()
}

func (c *Collector) collectInstanceMetrics() {
	if c.instances == nil {
		return
	}
	instances, err := c.instances.ListInstances("")
	if err != nil {
		return
	}

	counts := make(map[types.InstanceState]int)
	for _, inst := range instances {
		counts[inst.State]++
	}

	// Publish every known state so emptied states drop back to zero.
	for _, state := range types.AllStates() {
		InstancesByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (c *Collector) collectQueueMetrics() {
	if c.queues == nil {
		return
	}
	for _, name := range c.queues.Queues() {
		depth, err := c.queues.Depth(name)
		if err != nil {
			continue
		}
		QueueDepth.WithLabelValues(name).Set(float64(depth))
	}
}
