package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/labvm/pkg/allocator"
	"github.com/cuemby/labvm/pkg/api"
	"github.com/cuemby/labvm/pkg/events"
	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/manager"
	"github.com/cuemby/labvm/pkg/metrics"
	"github.com/cuemby/labvm/pkg/provision"
	"github.com/cuemby/labvm/pkg/proxmox"
	"github.com/cuemby/labvm/pkg/reconciler"
	"github.com/cuemby/labvm/pkg/scheduler"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the background loops",
	Long: `Run the labvm control process: the HTTP API, the reconciliation loop,
the janitor and the metrics collector. Stops gracefully on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.WithComponent("serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents(metrics.ComponentStore, metrics.ComponentHypervisor)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.UpdateComponent(metrics.ComponentStore, true, "")

	alloc := allocator.New(store, cfg.VM.VMIDStart)
	if cfg.Network.PoolStart != "" && cfg.Network.PoolEnd != "" {
		added, err := alloc.SeedRange(ctx, cfg.Network.PoolStart, cfg.Network.PoolEnd)
		if err != nil {
			return fmt.Errorf("failed to seed ip pool: %w", err)
		}
		if added > 0 {
			logger.Info().Int("added", added).Msg("Seeded IP pool")
		}
	}

	client, err := proxmox.NewClient(proxmox.OptionsFromConfig(cfg.Proxmox))
	if err != nil {
		return fmt.Errorf("failed to create proxmox client: %w", err)
	}

	cache, err := scheduler.NewCache(cfg.Scheduler.RedisURL, cfg.Scheduler.CacheTTL)
	if err != nil {
		return fmt.Errorf("failed to create load cache: %w", err)
	}
	if rc, ok := cache.(*scheduler.RedisCache); ok {
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("Redis load cache unreachable, polling nodes directly until it recovers")
		}
	}
	selector := scheduler.NewSelector(client, cache, scheduler.OptionsFromConfig(cfg))

	if _, err := selector.Loads(ctx); err != nil {
		metrics.UpdateComponent(metrics.ComponentHypervisor, false, err.Error())
		logger.Warn().Err(err).Msg("Proxmox cluster unreachable at startup")
	} else {
		metrics.UpdateComponent(metrics.ComponentHypervisor, true, "")
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	auditCtx, stopAudit := context.WithCancel(context.Background())
	defer stopAudit()
	audit := events.NewAuditRecorder(store, broker)
	audit.Start(auditCtx)

	mgr := manager.New(manager.Deps{
		Config:     cfg,
		Store:      store,
		Allocator:  alloc,
		Hypervisor: client,
		Tool:       provision.New(cfg.Provision),
		Selector:   selector,
		Broker:     broker,
	})

	var notifier events.Notifier = events.NewLogNotifier()
	if cfg.Alerts.Enabled {
		amqpNotifier, err := events.DialAMQP(cfg.Alerts)
		if err != nil {
			return err
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
	}

	recon := reconciler.NewReconciler(reconciler.Deps{
		Config:   cfg,
		Store:    store,
		Cluster:  client,
		Locker:   mgr,
		Broker:   broker,
		Notifier: notifier,
	})
	recon.Start()
	metrics.UpdateComponent(metrics.ComponentReconciler, true, "")

	var janitor *reconciler.Janitor
	if cfg.Janitor.Enabled {
		janitor = reconciler.NewJanitor(cfg.Janitor, mgr, store)
		janitor.Start()
		metrics.UpdateComponent(metrics.ComponentJanitor, true, "")
	}

	collector := metrics.NewCollector(mgr, alloc, 0)
	collector.Start()

	server := api.NewServer(cfg.API, mgr, selector)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	metrics.UpdateComponent(metrics.ComponentAPI, true, "")

	logger.Info().
		Str("version", Version).
		Str("api", cfg.API.Addr).
		Str("store", cfg.Store.Driver).
		Strs("nodes", cfg.Proxmox.Nodes).
		Msg("labvm is running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("API server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API server did not shut down cleanly")
	}

	recon.Stop()
	if janitor != nil {
		janitor.Stop()
	}
	collector.Stop()

	stopAudit()
	select {
	case <-audit.Done():
	case <-shutdownCtx.Done():
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}
