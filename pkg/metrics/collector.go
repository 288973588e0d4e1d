package metrics

import (
	"context"
	"time"

	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/rs/zerolog"
)

// VMCounter reports the number of VM records per status
type VMCounter interface {
	VMCounts(ctx context.Context) (map[types.VMStatus]int, error)
}

// PoolCounter reports the number of pool addresses per allocation status
type PoolCounter interface {
	PoolStats(ctx context.Context) (map[types.IPStatus]int, error)
}

// Collector refreshes the inventory gauges from the record store
type Collector struct {
	vms      VMCounter
	pool     PoolCounter
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   zerolog.Logger
}

// NewCollector creates a collector that refreshes every interval
func NewCollector(vms VMCounter, pool PoolCounter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		vms:      vms,
		pool:     pool,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("metrics"),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
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

// Stop stops the collector and waits for the loop to exit
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	c.collectVMMetrics(ctx)
	c.collectPoolMetrics(ctx)
}

func (c *Collector) collectVMMetrics(ctx context.Context) {
	counts, err := c.vms.VMCounts(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to count VMs")
		return
	}
	for status, n := range counts {
		VMsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectPoolMetrics(ctx context.Context) {
	stats, err := c.pool.PoolStats(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Failed to read IP pool stats")
		return
	}
	for status, n := range stats {
		IPPoolAddresses.WithLabelValues(string(status)).Set(float64(n))
	}
}
