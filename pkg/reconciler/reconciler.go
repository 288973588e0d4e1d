package reconciler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuemby/labvm/pkg/config"
	"github.com/cuemby/labvm/pkg/events"
	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/metrics"
	"github.com/cuemby/labvm/pkg/proxmox"
	"github.com/cuemby/labvm/pkg/storage"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Cluster lists the VMs the hypervisor reports on a node
type Cluster interface {
	ListNodeVMs(ctx context.Context, node string) (map[int]proxmox.VMSummary, error)
}

// Locker hands out the per-VM lock shared with lifecycle operations
type Locker interface {
	TryLockVM(id uint64) (func(), bool)
}

// Deps are the collaborators of a Reconciler. Notifier may be nil.
type Deps struct {
	Config   *config.Config
	Store    storage.Store
	Cluster  Cluster
	Locker   Locker
	Broker   *events.Broker
	Notifier events.Notifier
}

// Result summarizes one reconciliation cycle
type Result struct {
	Checked  int
	Migrated int
	Synced   int
	Lost     int
	Skipped  int
	Errors   int
}

// Reconciler corrects the record store against what the cluster reports
type Reconciler struct {
	cfg      *config.Config
	store    storage.Store
	cluster  Cluster
	locks    Locker
	broker   *events.Broker
	notifier events.Notifier

	mu     sync.Mutex
	lost   map[uint64]bool
	now    func() time.Time
	cancel context.CancelFunc
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(deps Deps) *Reconciler {
	return &Reconciler{
		cfg:      deps.Config,
		store:    deps.Store,
		cluster:  deps.Cluster,
		locks:    deps.Locker,
		broker:   deps.Broker,
		notifier: deps.Notifier,
		lost:     make(map[uint64]bool),
		now:      func() time.Time { return time.Now().UTC() },
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
}

// Stop stops the reconciler and waits for a running cycle to finish
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.doneCh
}

// run is the main reconciliation loop
func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.Reconcile.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			guard(r.logger, "Reconciliation cycle", func() {
				if _, err := r.Reconcile(ctx); err != nil {
					r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
				}
			})
		case <-ctx.Done():
			return
		}
	}
}

// guard runs one loop cycle. A panic is logged and ends only that cycle.
func guard(logger zerolog.Logger, cycle string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg(cycle + " panicked")
		}
	}()
	fn()
}

// Reconcile performs one reconciliation cycle. Per-VM failures are logged
// and counted; only a failure to load the records fails the cycle.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	var vms []*types.VM
	err := r.store.View(ctx, func(tx storage.Tx) error {
		var err error
		vms, err = tx.ListVMs(storage.WithStatus(
			types.VMStatusRunning, types.VMStatusStopped, types.VMStatusCreated, types.VMStatusReady))
		return err
	})
	if err != nil {
		return res, fmt.Errorf("failed to list vms: %w", err)
	}

	ls := newListings(r.cluster)
	for _, vm := range vms {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		out, err := r.reconcileVM(ctx, ls, vm)
		if err != nil {
			res.Errors++
			r.logger.Warn().Err(err).Int("vmid", vm.VMID).Str("node", vm.Node).Msg("Failed to reconcile VM")
			continue
		}
		if out.skipped {
			res.Skipped++
		}
		if out.lost {
			res.Lost++
		}
		if out.migrated {
			res.Migrated++
		}
		if out.synced {
			res.Synced++
		}
	}

	r.logger.Debug().
		Int("checked", res.Checked).
		Int("migrated", res.Migrated).
		Int("synced", res.Synced).
		Int("lost", res.Lost).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Msg("Reconciliation cycle complete")
	return res, nil
}

// outcome is what one VM check found
type outcome struct {
	skipped  bool
	lost     bool
	migrated bool
	synced   bool
}

// reconcileVM checks one record against the cluster. Records locked by a
// lifecycle operation are skipped for this cycle, as are records written
// since the cycle loaded them: the node listings may predate that write.
func (r *Reconciler) reconcileVM(ctx context.Context, ls *listings, seen *types.VM) (outcome, error) {
	id := seen.ID
	unlock, ok := r.locks.TryLockVM(id)
	if !ok {
		return outcome{skipped: true}, nil
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Reconcile.VMTimeout)
	defer cancel()

	var vm *types.VM
	if err := r.store.View(ctx, func(tx storage.Tx) error {
		var err error
		vm, err = tx.GetVM(id)
		return err
	}); err != nil {
		return outcome{}, err
	}
	if !vm.Status.Tracked() || changedSince(seen, vm) {
		return outcome{skipped: true}, nil
	}

	node, remote, found, err := ls.locate(ctx, vm.Node, r.cfg.Proxmox.Nodes, vm.VMID)
	if err != nil {
		return outcome{}, err
	}
	if !found {
		r.markLost(vm)
		return outcome{lost: true}, nil
	}
	delete(r.lost, vm.ID)

	oldNode := vm.Node
	migrated := node != oldNode
	status, synced := vm.Status, false
	if r.cfg.Reconcile.SyncStatus {
		status, synced = syncedStatus(vm.Status, remote.Status)
	}
	if !migrated && !synced {
		return outcome{}, nil
	}

	now := r.now()
	var updated *types.VM
	err = r.store.Update(ctx, func(tx storage.Tx) error {
		v, err := tx.LockVM(id)
		if err != nil {
			return err
		}
		v.Node = node
		if synced {
			applyStatus(v, status, now, r.cfg.VM.DefaultRuntime)
		}
		v.UpdatedAt = now
		if err := tx.UpdateVM(v); err != nil {
			return err
		}
		updated = v
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	logger := r.logger.With().Int("vmid", vm.VMID).Uint64("user_id", vm.UserID).Logger()
	if migrated {
		metrics.DriftDetectedTotal.WithLabelValues("migrated").Inc()
		logger.Warn().Str("old_node", oldNode).Str("new_node", node).Msg("VM migrated")
		r.broker.Publish(events.NewEvent(events.EventVMMigrated, updated, fmt.Sprintf("%s -> %s", oldNode, node)).
			WithMeta("old_node", oldNode).
			WithMeta("new_node", node))
		r.notify(ctx, events.MigrationAlert{
			UserID:     vm.UserID,
			VMID:       vm.VMID,
			OldNode:    oldNode,
			NewNode:    node,
			DetectedAt: now,
		})
	}
	if synced {
		metrics.DriftDetectedTotal.WithLabelValues("status").Inc()
		logger.Info().Str("from", string(vm.Status)).Str("to", string(status)).Msg("VM status corrected")
		r.broker.Publish(events.NewEvent(events.EventVMStatusChanged, updated,
			fmt.Sprintf("%s -> %s", vm.Status, status)))
	}
	return outcome{migrated: migrated, synced: synced}, nil
}

func (r *Reconciler) notify(ctx context.Context, alert events.MigrationAlert) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.NotifyMigration(ctx, alert); err != nil {
		r.logger.Warn().Err(err).Int("vmid", alert.VMID).Msg("Failed to send migration alert")
	}
}

// markLost reports a VM found on no node. It is reported once until found
// again; the record is left as is.
func (r *Reconciler) markLost(vm *types.VM) {
	if r.lost[vm.ID] {
		return
	}
	r.lost[vm.ID] = true
	metrics.DriftDetectedTotal.WithLabelValues("lost").Inc()
	r.logger.Warn().Int("vmid", vm.VMID).Str("node", vm.Node).Msg("VM not found on any node")
	r.broker.Publish(events.NewEvent(events.EventVMLost, vm, "not found on any node"))
}

// changedSince reports whether the record was written after seen was read
func changedSince(seen, fresh *types.VM) bool {
	return fresh.Status != seen.Status || fresh.Node != seen.Node || !fresh.UpdatedAt.Equal(seen.UpdatedAt)
}

// syncedStatus returns the record status implied by the remote power state.
// Created and Provisioning records belong to the pipeline and never change.
func syncedStatus(recorded types.VMStatus, remote string) (types.VMStatus, bool) {
	switch {
	case remote == "stopped" && (recorded == types.VMStatusRunning || recorded == types.VMStatusReady):
		return types.VMStatusStopped, true
	case remote == "running" && recorded == types.VMStatusStopped:
		return types.VMStatusRunning, true
	}
	return recorded, false
}

func applyStatus(vm *types.VM, status types.VMStatus, now time.Time, runtime time.Duration) {
	vm.Status = status
	switch status {
	case types.VMStatusStopped:
		vm.RuntimeExpiresAt = nil
	case types.VMStatusRunning:
		expiry := now.Add(runtime)
		vm.RuntimeExpiresAt = &expiry
		vm.LastActiveAt = &now
	}
}

// maxConcurrentListings bounds the node listings fetched at once
const maxConcurrentListings = 8

// listings caches node VM listings for the length of one cycle. Failed
// listings are cached too and not retried within the cycle.
type listings struct {
	cluster Cluster

	mu   sync.Mutex
	vms  map[string]map[int]proxmox.VMSummary
	errs map[string]error
}

func newListings(cluster Cluster) *listings {
	return &listings{
		cluster: cluster,
		vms:     make(map[string]map[int]proxmox.VMSummary),
		errs:    make(map[string]error),
	}
}

func (l *listings) get(ctx context.Context, node string) (map[int]proxmox.VMSummary, error) {
	l.mu.Lock()
	if vms, ok := l.vms[node]; ok {
		l.mu.Unlock()
		return vms, nil
	}
	if err, ok := l.errs[node]; ok {
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	vms, err := l.cluster.ListNodeVMs(ctx, node)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.errs[node] = err
		return nil, err
	}
	l.vms[node] = vms
	return vms, nil
}

// locate finds vmid on the recorded node first, then on the other nodes.
// A VM missing from every reachable node is only reported as not found when
// every node could be listed.
func (l *listings) locate(ctx context.Context, recorded string, nodes []string, vmid int) (string, proxmox.VMSummary, bool, error) {
	vms, err := l.get(ctx, recorded)
	if err == nil {
		if s, ok := vms[vmid]; ok {
			return recorded, s, true, nil
		}
	}
	firstErr := err

	others := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n != recorded {
			others = append(others, n)
		}
	}

	// listing errors are cached and read back below
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentListings)
	for _, n := range others {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, _ = l.get(gctx, n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", proxmox.VMSummary{}, false, err
	}

	for _, n := range others {
		vms, err := l.get(ctx, n)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if s, ok := vms[vmid]; ok {
			return n, s, true, nil
		}
	}

	if firstErr != nil {
		return "", proxmox.VMSummary{}, false, fmt.Errorf("vm %d not found on reachable nodes: %w", vmid, firstErr)
	}
	return "", proxmox.VMSummary{}, false, nil
}
