package metrics

import (
	"context"
	"time"

	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/types"
)

// Collector periodically exports registry entity counts as gauges.
type Collector struct {
	store    store.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(s store.Store) *Collector {
	return &Collector{
		store:    s,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := c.store.Stats(ctx)
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("failed to collect registry stats")
		return
	}

	for _, state := range []types.TaskState{
		types.TaskQueued, types.TaskProcessing, types.TaskCancelling,
		types.TaskDone, types.TaskError, types.TaskCancelled,
	} {
		TasksTotal.WithLabelValues(string(state)).Set(float64(stats.TasksByState[state]))
	}
	DeploymentsTotal.Set(float64(stats.Deployments))
	ReleasesTotal.Set(float64(stats.Releases))
	StemcellsTotal.Set(float64(stats.Stemcells))
	VMsTotal.Set(float64(stats.VMs))
	InstancesTotal.Set(float64(stats.Instances))
}
