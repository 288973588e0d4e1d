package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/labvm/pkg/allocator"
	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/events"
	"github.com/cuemby/labvm/pkg/metrics"
	"github.com/cuemby/labvm/pkg/provision"
	"github.com/cuemby/labvm/pkg/storage"
	"github.com/cuemby/labvm/pkg/types"
)

// Extension bounds in minutes
const (
	MinExtendMinutes = 5
	MaxExtendMinutes = 60
)

// withVM runs fn under the per-VM lock with a fresh snapshot of the user's
// record and records the operation metrics
func (m *Manager) withVM(ctx context.Context, op string, userID, id uint64, fn func(vm *types.VM) (*types.VM, error)) (out *types.VM, err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.OperationDuration, op)
		metrics.RecordOperation(op, err)
	}()

	unlock := m.locks.Lock(id)
	defer unlock()

	vm, err := m.load(ctx, userID, id)
	if err != nil {
		return nil, opError(op, nil, err)
	}
	out, err = fn(vm)
	if err != nil {
		return nil, opError(op, vm, err)
	}
	return out, nil
}

// inFlight reports a record still owned by the provisioning pipeline
func inFlight(vm *types.VM) error {
	if vm.Status == types.VMStatusCreated || vm.Status == types.VMStatusProvisioning {
		return fmt.Errorf("vm %d is %s: %w", vm.VMID, vm.Status, errdefs.ErrConflict)
	}
	return nil
}

// StartVM powers on a stopped VM and starts its runtime timer
func (m *Manager) StartVM(ctx context.Context, userID, id uint64) (*types.VM, error) {
	return m.withVM(ctx, "start", userID, id, func(vm *types.VM) (*types.VM, error) {
		if vm.Status == types.VMStatusRunning {
			return nil, fmt.Errorf("vm %d is already running: %w", vm.VMID, errdefs.ErrConflict)
		}
		if err := inFlight(vm); err != nil {
			return nil, err
		}
		if vm.Status == types.VMStatusFailed {
			return nil, fmt.Errorf("vm %d failed provisioning, reset it first: %w", vm.VMID, errdefs.ErrConflict)
		}

		// A Ready VM is already powered on after provisioning
		st, err := m.hv.Status(ctx, vm.Node, vm.VMID)
		if err != nil {
			return nil, err
		}
		if st.Status != "running" {
			if err := m.hv.Start(ctx, vm.Node, vm.VMID); err != nil {
				return nil, err
			}
		}

		now := m.now()
		updated, err := m.commit(ctx, vm.ID, func(v *types.VM) error {
			v.Status = types.VMStatusRunning
			v.RuntimeExpiresAt = timePtr(now.Add(m.cfg.VM.DefaultRuntime))
			v.LastActiveAt = timePtr(now)
			return nil
		})
		if err != nil {
			return nil, err
		}
		m.publish(events.EventVMStarted, updated, "", nil)
		return updated, nil
	})
}

// StopVM shuts the VM down and clears its runtime timer
func (m *Manager) StopVM(ctx context.Context, userID, id uint64) (*types.VM, error) {
	return m.withVM(ctx, "stop", userID, id, func(vm *types.VM) (*types.VM, error) {
		if err := inFlight(vm); err != nil {
			return nil, err
		}
		if vm.Status == types.VMStatusStopped {
			return vm, nil
		}
		if err := m.hv.Shutdown(ctx, vm.Node, vm.VMID); err != nil {
			return nil, err
		}
		return m.markStopped(ctx, vm, events.EventVMStopped, "")
	})
}

func (m *Manager) markStopped(ctx context.Context, vm *types.VM, typ events.EventType, message string) (*types.VM, error) {
	now := m.now()
	updated, err := m.commit(ctx, vm.ID, func(v *types.VM) error {
		v.Status = types.VMStatusStopped
		v.RuntimeExpiresAt = nil
		v.LastActiveAt = timePtr(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(typ, updated, message, nil)
	return updated, nil
}

// RebootVM restarts a running VM. The runtime timer is kept.
func (m *Manager) RebootVM(ctx context.Context, userID, id uint64) (*types.VM, error) {
	return m.withVM(ctx, "reboot", userID, id, func(vm *types.VM) (*types.VM, error) {
		if !vm.IsActive() {
			return nil, fmt.Errorf("vm %d is %s: %w", vm.VMID, vm.Status, errdefs.ErrNotRunning)
		}
		if err := m.hv.Reboot(ctx, vm.Node, vm.VMID); err != nil {
			return nil, err
		}
		updated, err := m.commit(ctx, vm.ID, func(v *types.VM) error {
			v.LastActiveAt = timePtr(m.now())
			return nil
		})
		if err != nil {
			return nil, err
		}
		m.publish(events.EventVMRebooted, updated, "", nil)
		return updated, nil
	})
}

// ExtendVM adds minutes to the runtime of a running VM. The new expiry is
// capped at now + the maximum runtime; extending a VM already at the cap is
// ErrInvalidRange.
func (m *Manager) ExtendVM(ctx context.Context, userID, id uint64, minutes int) (*types.VM, error) {
	return m.withVM(ctx, "extend", userID, id, func(vm *types.VM) (*types.VM, error) {
		if minutes < MinExtendMinutes || minutes > MaxExtendMinutes {
			return nil, fmt.Errorf("extension must be %d to %d minutes, got %d: %w",
				MinExtendMinutes, MaxExtendMinutes, minutes, errdefs.ErrInvalidRange)
		}
		if vm.Status != types.VMStatusRunning {
			return nil, fmt.Errorf("vm %d is %s: %w", vm.VMID, vm.Status, errdefs.ErrNotRunning)
		}

		now := m.now()
		limit := now.Add(m.cfg.VM.MaxRuntime)
		base := now
		if vm.RuntimeExpiresAt != nil && vm.RuntimeExpiresAt.After(now) {
			base = *vm.RuntimeExpiresAt
		}
		if !base.Before(limit) {
			return nil, fmt.Errorf("vm %d already runs until the %v limit: %w", vm.VMID, m.cfg.VM.MaxRuntime, errdefs.ErrInvalidRange)
		}
		expiry := base.Add(time.Duration(minutes) * time.Minute)
		if expiry.After(limit) {
			expiry = limit
		}

		updated, err := m.commit(ctx, vm.ID, func(v *types.VM) error {
			v.RuntimeExpiresAt = timePtr(expiry)
			v.LastActiveAt = timePtr(now)
			return nil
		})
		if err != nil {
			return nil, err
		}
		m.publish(events.EventVMExtended, updated, fmt.Sprintf("+%dm", minutes), nil)
		return updated, nil
	})
}

// VNCURL returns a console URL for a running VM
func (m *Manager) VNCURL(ctx context.Context, userID, id uint64) (string, error) {
	var url string
	_, err := m.withVM(ctx, "vnc", userID, id, func(vm *types.VM) (*types.VM, error) {
		if !vm.IsActive() {
			return nil, fmt.Errorf("vm %d is %s: %w", vm.VMID, vm.Status, errdefs.ErrNotRunning)
		}
		ticket, err := m.hv.VNCProxy(ctx, vm.Node, vm.VMID)
		if err != nil {
			return nil, err
		}
		url = m.hv.ConsoleURL(vm.Node, vm.VMID, ticket)
		return vm, nil
	})
	return url, err
}

// DeleteVM destroys the VM and frees its address. The remote destroy is
// best effort: the record is deleted even if it fails.
func (m *Manager) DeleteVM(ctx context.Context, userID, id uint64) error {
	_, err := m.withVM(ctx, "delete", userID, id, func(vm *types.VM) (*types.VM, error) {
		return m.remove(ctx, vm, "deleted by owner")
	})
	return err
}

// remove destroys the remote VM best effort, marks the record Deleted and
// releases its address in one transaction
func (m *Manager) remove(ctx context.Context, vm *types.VM, reason string) (*types.VM, error) {
	logger := m.logger.With().Int("vmid", vm.VMID).Str("node", vm.Node).Logger()

	m.disableHA(ctx, vm.VMID)
	if err := m.hv.Destroy(ctx, vm.Node, vm.VMID); err != nil {
		logger.Warn().Err(err).Msg("Remote destroy failed, deleting record anyway")
	}

	now := m.now()
	var out *types.VM
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		v, err := tx.LockVM(vm.ID)
		if err != nil {
			return err
		}
		v.Status = types.VMStatusDeleted
		v.DeletedAt = timePtr(now)
		v.RuntimeExpiresAt = nil
		v.UpdatedAt = now
		if err := tx.UpdateVM(v); err != nil {
			return err
		}
		out = v
		return allocator.Release(tx, v.IPAddress, now)
	})
	if err != nil {
		return nil, err
	}

	logger.Info().Str("reason", reason).Msg("VM deleted")
	m.publish(events.EventVMDeleted, out, reason, nil)
	return out, nil
}

// ResetVM replaces the VM with a fresh clone that keeps the same address.
// The new VM is built before the old one is destroyed; if building fails the
// new VM is destroyed and the record keeps the old VMID.
func (m *Manager) ResetVM(ctx context.Context, userID, id uint64) (*types.VM, error) {
	return m.withVM(ctx, "reset", userID, id, func(vm *types.VM) (*types.VM, error) {
		if err := inFlight(vm); err != nil {
			return nil, err
		}
		return m.reset(ctx, vm)
	})
}

func (m *Manager) reset(ctx context.Context, old *types.VM) (*types.VM, error) {
	var newVMID int
	if err := m.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		newVMID, err = m.alloc.AllocateVMID(tx)
		return err
	}); err != nil {
		return nil, err
	}

	node := m.selector.SelectBestNode(ctx)
	name := allocator.VMName(m.cfg.VM.NamePrefix, old.UserID, newVMID)
	logger := m.logger.With().Int("old_vmid", old.VMID).Int("vmid", newVMID).Str("node", node).Logger()
	logger.Info().Msg("Resetting VM")

	oldDown := false
	abort := func(step string, cause error) (*types.VM, error) {
		logger.Error().Err(cause).Str("step", step).Msg("Reset failed")
		bctx, cancel := detached(ctx)
		defer cancel()
		if err := m.hv.Destroy(bctx, node, newVMID); err != nil {
			logger.Warn().Err(err).Msg("Failed to destroy replacement VM")
		}
		if oldDown {
			if _, err := m.markStopped(bctx, old, events.EventVMStopped, "reset failed"); err != nil {
				logger.Error().Err(err).Msg("Failed to record stopped VM")
			}
		}
		m.publish(events.EventVMReset, old, step, cause)
		return nil, &errdefs.Error{Kind: errdefs.KindOf(cause), Op: "reset", VMID: newVMID, Node: node, Step: step, Err: cause}
	}

	if err := m.clone(ctx, newVMID, name, node); err != nil {
		return abort(StepClone, err)
	}
	if err := m.configure(ctx, node, newVMID, name, old.IPAddress); err != nil {
		return abort(StepConfigure, err)
	}

	// Both VMs carry the address; the old one must be off before the new
	// one boots.
	if old.Status != types.VMStatusStopped && old.Status != types.VMStatusFailed {
		if err := m.hv.Shutdown(ctx, old.Node, old.VMID); err != nil {
			return abort("shutdown", err)
		}
		oldDown = true
	}

	if err := m.hv.Start(ctx, node, newVMID); err != nil {
		return abort(StepStart, err)
	}
	if err := m.tool.Provision(ctx, provision.Target{Address: old.IPAddress, Hostname: name}); err != nil {
		return abort(StepProvision, err)
	}

	m.disableHA(ctx, old.VMID)
	if err := m.hv.Destroy(ctx, old.Node, old.VMID); err != nil {
		logger.Warn().Err(err).Msg("Failed to destroy old VM")
	}

	now := m.now()
	updated, err := m.commit(ctx, old.ID, func(v *types.VM) error {
		v.VMID = newVMID
		v.Node = node
		v.Name = name
		v.Status = types.VMStatusReady
		v.RuntimeExpiresAt = nil
		v.LastActiveAt = timePtr(now)
		v.FailureReason = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.enableHA(ctx, updated)

	logger.Info().Msg("VM reset")
	m.publish(events.EventVMReset, updated, fmt.Sprintf("replaced vmid %d", old.VMID), nil)
	return updated, nil
}
