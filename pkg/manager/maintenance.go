package manager

import (
	"context"
	"fmt"

	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/events"
	"github.com/cuemby/labvm/pkg/storage"
	"github.com/cuemby/labvm/pkg/types"
)

// Maintenance operations run without an owner check and never wait for a
// VM busy in a user operation: they return ErrConflict instead.

func (m *Manager) tryWithVM(ctx context.Context, id uint64, fn func(vm *types.VM) error) error {
	unlock, ok := m.locks.TryLock(id)
	if !ok {
		return fmt.Errorf("vm record %d is busy: %w", id, errdefs.ErrConflict)
	}
	defer unlock()

	var vm *types.VM
	if err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		vm, err = tx.GetVM(id)
		return err
	}); err != nil {
		return err
	}
	return fn(vm)
}

// Reap destroys the VM of record id and deletes the record, whatever its
// owner and status. Already deleted records are left alone.
func (m *Manager) Reap(ctx context.Context, id uint64, reason string) error {
	return m.tryWithVM(ctx, id, func(vm *types.VM) error {
		if vm.Status == types.VMStatusDeleted {
			return nil
		}
		_, err := m.remove(ctx, vm, reason)
		return err
	})
}

// Expire shuts down the VM of record id if it is running past its runtime
// expiry. It reports whether the VM was stopped.
func (m *Manager) Expire(ctx context.Context, id uint64) (bool, error) {
	stopped := false
	err := m.tryWithVM(ctx, id, func(vm *types.VM) error {
		if vm.Status != types.VMStatusRunning || !vm.Expired(m.now()) {
			return nil
		}
		if err := m.hv.Shutdown(ctx, vm.Node, vm.VMID); err != nil {
			return err
		}
		if _, err := m.markStopped(ctx, vm, events.EventVMExpired, "runtime expired"); err != nil {
			return err
		}
		m.logger.Info().Int("vmid", vm.VMID).Uint64("user_id", vm.UserID).Msg("VM runtime expired, stopped")
		stopped = true
		return nil
	})
	return stopped, err
}
