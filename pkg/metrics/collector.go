package metrics

import "time"

// gaugeSource is the narrow view of the Supervisor the Collector needs.
// Defined at this consuming boundary so metrics does not import
// pkg/supervisor's full surface.
type gaugeSource interface {
	ActiveJobCount() int
	RegisteredGPUCount() int
}

// Collector periodically snapshots gauge-shaped state (active job count,
// registered GPU count) into the corresponding Prometheus gauges. Counters
// and histograms are updated inline by their owning code instead, since
// they represent events rather than polled state.
type Collector struct {
	source gaugeSource
	stopCh chan struct{}
}

// NewCollector builds a Collector over the given gauge source.
func NewCollector(source gaugeSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins the 15s collection ticker in a new goroutine.
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

// Stop halts the collection ticker.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ActiveJobs.Set(float64(c.source.ActiveJobCount()))
	RegisteredGPUs.Set(float64(c.source.RegisteredGPUCount()))
}
