package reconciler

import (
	"context"
	"time"

	"github.com/cuemby/labvm/pkg/allocator"
	"github.com/cuemby/labvm/pkg/config"
	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/metrics"
	"github.com/cuemby/labvm/pkg/storage"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/rs/zerolog"
)

// Maintainer performs the record-level maintenance operations.
// *manager.Manager implements it.
type Maintainer interface {
	List(ctx context.Context, filter storage.VMFilter) ([]*types.VM, error)
	Reap(ctx context.Context, id uint64, reason string) error
	Expire(ctx context.Context, id uint64) (bool, error)
}

// Janitor job names, used as metric labels
const (
	JobFailed   = "failed"
	JobExpired  = "expired"
	JobInactive = "inactive"
	JobOrphanIP = "orphan_ip"
)

// SweepResult counts the actions of one sweep
type SweepResult struct {
	Reaped    int
	Expired   int
	Inactive  int
	Reclaimed int
	Busy      int
	Errors    int
}

// Janitor removes failed and abandoned VMs, enforces runtime expiry and
// returns leaked addresses to the pool
type Janitor struct {
	cfg   config.JanitorConfig
	maint Maintainer
	store storage.Store

	now    func() time.Time
	cancel context.CancelFunc
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewJanitor creates a janitor
func NewJanitor(cfg config.JanitorConfig, maint Maintainer, store storage.Store) *Janitor {
	return &Janitor{
		cfg:    cfg,
		maint:  maint,
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		doneCh: make(chan struct{}),
		logger: log.WithComponent("janitor"),
	}
}

// Start begins the sweep loop
func (j *Janitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	go j.run(ctx)
}

// Stop stops the janitor and waits for a running sweep to finish
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.doneCh
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			guard(j.logger, "Janitor sweep", func() { j.Sweep(ctx) })
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs every job once
func (j *Janitor) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	j.reapFailed(ctx, &res)
	j.expireRunning(ctx, &res)
	j.reapInactive(ctx, &res)
	j.reclaimIPs(ctx, &res)

	if res != (SweepResult{}) {
		j.logger.Info().
			Int("reaped", res.Reaped).
			Int("expired", res.Expired).
			Int("inactive", res.Inactive).
			Int("reclaimed", res.Reclaimed).
			Int("busy", res.Busy).
			Int("errors", res.Errors).
			Msg("Janitor sweep complete")
	}
	return res
}

// count records the outcome of one maintenance call
func (j *Janitor) count(res *SweepResult, job string, vm *types.VM, err error) bool {
	switch {
	case err == nil:
		metrics.JanitorActionsTotal.WithLabelValues(job).Inc()
		return true
	case errdefs.IsConflict(err):
		res.Busy++
	default:
		res.Errors++
		j.logger.Warn().Err(err).Str("job", job).Int("vmid", vm.VMID).Msg("Maintenance action failed")
	}
	return false
}

func (j *Janitor) list(ctx context.Context, res *SweepResult, filter storage.VMFilter) []*types.VM {
	vms, err := j.maint.List(ctx, filter)
	if err != nil {
		res.Errors++
		j.logger.Error().Err(err).Msg("Failed to list VMs")
		return nil
	}
	return vms
}

// reapFailed deletes records that failed provisioning more than the grace
// period ago
func (j *Janitor) reapFailed(ctx context.Context, res *SweepResult) {
	now := j.now()
	for _, vm := range j.list(ctx, res, storage.WithStatus(types.VMStatusFailed)) {
		if now.Sub(vm.UpdatedAt) < j.cfg.FailedGrace {
			continue
		}
		if j.count(res, JobFailed, vm, j.maint.Reap(ctx, vm.ID, "provisioning failed")) {
			res.Reaped++
		}
	}
}

// expireRunning stops running VMs whose runtime ran out
func (j *Janitor) expireRunning(ctx context.Context, res *SweepResult) {
	now := j.now()
	for _, vm := range j.list(ctx, res, storage.WithStatus(types.VMStatusRunning)) {
		if !vm.Expired(now) {
			continue
		}
		stopped, err := j.maint.Expire(ctx, vm.ID)
		if j.count(res, JobExpired, vm, err) && stopped {
			res.Expired++
		}
	}
}

// reapInactive deletes VMs nobody has used for InactiveAfter
func (j *Janitor) reapInactive(ctx context.Context, res *SweepResult) {
	if j.cfg.InactiveAfter <= 0 {
		return
	}
	now := j.now()
	filter := storage.WithStatus(types.VMStatusReady, types.VMStatusRunning, types.VMStatusStopped)
	for _, vm := range j.list(ctx, res, filter) {
		last := vm.CreatedAt
		if vm.LastActiveAt != nil {
			last = *vm.LastActiveAt
		}
		if now.Sub(last) <= j.cfg.InactiveAfter {
			continue
		}
		if j.count(res, JobInactive, vm, j.maint.Reap(ctx, vm.ID, "inactive")) {
			res.Inactive++
		}
	}
}

// reclaimIPs frees allocated addresses whose VM record is gone, deleted or
// holds a different address
func (j *Janitor) reclaimIPs(ctx context.Context, res *SweepResult) {
	now := j.now()
	var reclaimed []string
	err := j.store.Update(ctx, func(tx storage.Tx) error {
		reclaimed = reclaimed[:0]
		ips, err := tx.ListIPs()
		if err != nil {
			return err
		}
		for _, ip := range ips {
			if ip.Status != types.IPStatusAllocated {
				continue
			}
			orphan, err := isOrphan(tx, ip)
			if err != nil {
				return err
			}
			if !orphan {
				continue
			}
			if err := allocator.Release(tx, ip.Address, now); err != nil {
				return err
			}
			reclaimed = append(reclaimed, ip.Address)
		}
		return nil
	})
	if err != nil {
		res.Errors++
		j.logger.Error().Err(err).Msg("Failed to reclaim IP addresses")
		return
	}

	for _, addr := range reclaimed {
		metrics.JanitorActionsTotal.WithLabelValues(JobOrphanIP).Inc()
		j.logger.Info().Str("ip", addr).Msg("Reclaimed orphan IP address")
	}
	res.Reclaimed += len(reclaimed)
}

func isOrphan(tx storage.Tx, ip *types.AllocatedIP) (bool, error) {
	if ip.VMRecordID == nil {
		return true, nil
	}
	vm, err := tx.GetVM(*ip.VMRecordID)
	if errdefs.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return vm.Status == types.VMStatusDeleted || vm.IPAddress != ip.Address, nil
}
