package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/labvm/pkg/config"
	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/metrics"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentPolls bounds the node status requests in flight at once
const maxConcurrentPolls = 8

// Placement outcomes
const (
	OutcomeQualified = "qualified"
	OutcomeDegraded  = "degraded"
	OutcomeFallback  = "fallback"
)

// LoadSource reports the current load of one node
type LoadSource interface {
	NodeLoad(ctx context.Context, node string) (types.NodeLoad, error)
}

// Options configures a Selector
type Options struct {
	Nodes           []string
	PrimaryNode     string
	CPUThreshold    float64
	MemoryThreshold float64
}

// OptionsFromConfig builds selector options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Nodes:           cfg.Proxmox.Nodes,
		PrimaryNode:     cfg.Proxmox.PrimaryNode,
		CPUThreshold:    cfg.Scheduler.CPUThreshold,
		MemoryThreshold: cfg.Scheduler.MemoryThreshold,
	}
}

// Selector picks the node for a new VM from live node loads
type Selector struct {
	source LoadSource
	cache  LoadCache
	opts   Options
	logger zerolog.Logger

	mu   sync.RWMutex
	last []types.NodeLoad
}

// NewSelector creates a selector. cache may be nil, in which case every call
// polls all nodes.
func NewSelector(source LoadSource, cache LoadCache, opts Options) *Selector {
	if opts.PrimaryNode == "" && len(opts.Nodes) > 0 {
		opts.PrimaryNode = opts.Nodes[0]
	}
	return &Selector{
		source: source,
		cache:  cache,
		opts:   opts,
		logger: log.WithComponent("scheduler"),
	}
}

// Loads returns the load of every configured node, in configuration order.
// Nodes are polled concurrently; a node that cannot be polled is reported
// offline at 100/100. The error is ErrHypervisorUnavailable when no node
// could be polled at all, or the context's error once it is done.
func (s *Selector) Loads(ctx context.Context) ([]types.NodeLoad, error) {
	loads := make([]types.NodeLoad, len(s.opts.Nodes))
	failed := make([]bool, len(s.opts.Nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPolls)
	for i, node := range s.opts.Nodes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if s.cache != nil {
				if load, ok := s.cache.Get(gctx, node); ok {
					loads[i] = load
					return nil
				}
			}

			load, err := s.source.NodeLoad(gctx, node)
			if err != nil {
				s.logger.Warn().Err(err).Str("node", node).Msg("Node unreachable, counting it as fully loaded")
				loads[i] = types.OfflineLoad(node, time.Now())
				failed[i] = true
				return nil
			}
			loads[i] = load
			if s.cache != nil {
				s.cache.Set(gctx, load)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	allFailed := len(loads) > 0
	for i, load := range loads {
		metrics.NodeLoadPercent.WithLabelValues(load.Node, "cpu").Set(load.CPUPercent)
		metrics.NodeLoadPercent.WithLabelValues(load.Node, "memory").Set(load.MemoryPercent)
		if !failed[i] {
			allFailed = false
		}
	}

	s.mu.Lock()
	s.last = loads
	s.mu.Unlock()

	if allFailed {
		return loads, fmt.Errorf("no node could be polled: %w", errdefs.ErrHypervisorUnavailable)
	}
	return loads, nil
}

// Snapshot returns the loads seen by the last poll without polling
func (s *Selector) Snapshot() []types.NodeLoad {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.NodeLoad, len(s.last))
	copy(out, s.last)
	return out
}

// SelectBestNode returns the node for a new VM. It never fails: when no node
// can be polled it returns the primary node.
func (s *Selector) SelectBestNode(ctx context.Context) string {
	loads, err := s.Loads(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("node", s.opts.PrimaryNode).Msg("Falling back to primary node")
		metrics.PlacementsTotal.WithLabelValues(OutcomeFallback).Inc()
		return s.opts.PrimaryNode
	}

	node, outcome := Select(loads, s.opts.CPUThreshold, s.opts.MemoryThreshold)
	if node == "" {
		node, outcome = s.opts.PrimaryNode, OutcomeFallback
	}
	if outcome == OutcomeDegraded {
		s.logger.Warn().Str("node", node).Msg("All nodes above load thresholds, using least loaded")
	} else {
		s.logger.Debug().Str("node", node).Str("outcome", outcome).Msg("Node selected")
	}
	metrics.PlacementsTotal.WithLabelValues(outcome).Inc()
	return node
}

// Select picks the online node with the lowest average load among those
// under both thresholds. If none qualifies it picks the lowest average
// overall and reports OutcomeDegraded. Ties go to the earlier node.
func Select(loads []types.NodeLoad, cpuThreshold, memThreshold float64) (string, string) {
	var best *types.NodeLoad
	for i := range loads {
		l := &loads[i]
		if !l.Online || l.CPUPercent >= cpuThreshold || l.MemoryPercent >= memThreshold {
			continue
		}
		if best == nil || l.Average() < best.Average() {
			best = l
		}
	}
	if best != nil {
		return best.Node, OutcomeQualified
	}

	for i := range loads {
		l := &loads[i]
		if best == nil || l.Average() < best.Average() {
			best = l
		}
	}
	if best == nil {
		return "", OutcomeFallback
	}
	return best.Node, OutcomeDegraded
}
