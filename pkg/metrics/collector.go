package metrics

import (
	"time"

	"github.com/vmmd-project/vmmd/pkg/instance"
	"github.com/vmmd-project/vmmd/pkg/vmmd"
)

// Collector periodically samples a Server's registry and publishes the
// result as Prometheus gauges, the same 15s-ticker shape the teacher used
// for polling its manager.
type Collector struct {
	server *vmmd.Server
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector for server.
func NewCollector(server *vmmd.Server) *Collector {
	return &Collector{
		server: server,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics in the background.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectMachineMetrics()
	c.collectNetworkMetrics()
	c.collectInstanceMetrics()
}

func (c *Collector) collectMachineMetrics() {
	MachinesTotal.Set(float64(len(c.server.ListMachines())))
}

func (c *Collector) collectNetworkMetrics() {
	NetworksTotal.Set(float64(len(c.server.ListNetworks())))
}

func (c *Collector) collectInstanceMetrics() {
	instances := c.server.ListInstances()

	counts := map[instance.Phase]int{
		instance.PhaseNew:     0,
		instance.PhaseRunning: 0,
		instance.PhaseStopped: 0,
	}
	for _, inst := range instances {
		counts[inst.Phase()]++
	}
	for phase, count := range counts {
		InstancesTotal.WithLabelValues(string(phase)).Set(float64(count))
	}
}
