package metrics

import (
	"context"
	"time"
)

// Snapshot carries one round of entity counts pulled from the store.
type Snapshot struct {
	// Models counts models keyed by type then train status.
	Models map[string]map[string]int
	// Deployments counts deployments keyed by status.
	Deployments map[string]int
	// Reports counts reports keyed by status.
	Reports map[string]int
}

// Source produces entity count snapshots. Implemented by the store.
type Source interface {
	CountSnapshot(ctx context.Context) (Snapshot, error)
}

// Collector periodically pulls entity counts and publishes them as gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
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

	snap, err := c.source.CountSnapshot(ctx)
	if err != nil {
		return
	}

	for typ, statuses := range snap.Models {
		for status, count := range statuses {
			ModelsTotal.WithLabelValues(typ, status).Set(float64(count))
		}
	}
	for status, count := range snap.Deployments {
		DeploymentsTotal.WithLabelValues(status).Set(float64(count))
	}
	for status, count := range snap.Reports {
		ReportsTotal.WithLabelValues(status).Set(float64(count))
	}
}
