package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/labvm/pkg/allocator"
	"github.com/cuemby/labvm/pkg/config"
	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/events"
	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/provision"
	"github.com/cuemby/labvm/pkg/proxmox"
	"github.com/cuemby/labvm/pkg/storage"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/rs/zerolog"
)

// Hypervisor is the set of remote VM operations the manager drives.
// *proxmox.Client implements it.
type Hypervisor interface {
	Clone(ctx context.Context, req proxmox.CloneRequest) error
	Configure(ctx context.Context, node string, vmid int, ci proxmox.CloudInit) error
	Start(ctx context.Context, node string, vmid int) error
	Shutdown(ctx context.Context, node string, vmid int) error
	Reboot(ctx context.Context, node string, vmid int) error
	Destroy(ctx context.Context, node string, vmid int) error
	Status(ctx context.Context, node string, vmid int) (*proxmox.VMStatus, error)
	VNCProxy(ctx context.Context, node string, vmid int) (*proxmox.VNCTicket, error)
	ConsoleURL(node string, vmid int, ticket *proxmox.VNCTicket) string
	StorageStatus(ctx context.Context, node, storage string) (*proxmox.StorageStatus, error)
	EnableHA(ctx context.Context, vmid int, opts proxmox.HAOptions) error
	DisableHA(ctx context.Context, vmid int) error
}

// NodeSelector picks the node for a new VM
type NodeSelector interface {
	SelectBestNode(ctx context.Context) string
}

// Deps are the collaborators of a Manager
type Deps struct {
	Config     *config.Config
	Store      storage.Store
	Allocator  *allocator.Allocator
	Hypervisor Hypervisor
	Tool       provision.Tool
	Selector   NodeSelector
	Broker     *events.Broker
}

// Manager runs the VM provisioning pipeline and lifecycle operations
type Manager struct {
	cfg      *config.Config
	store    storage.Store
	alloc    *allocator.Allocator
	hv       Hypervisor
	tool     provision.Tool
	selector NodeSelector
	broker   *events.Broker

	locks  *keyedMutex
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a manager from deps
func New(deps Deps) *Manager {
	tool := deps.Tool
	if tool == nil {
		tool = provision.Disabled{}
	}
	return &Manager{
		cfg:      deps.Config,
		store:    deps.Store,
		alloc:    deps.Allocator,
		hv:       deps.Hypervisor,
		tool:     tool,
		selector: deps.Selector,
		broker:   deps.Broker,
		locks:    newKeyedMutex(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.WithComponent("manager"),
	}
}

// GetVM returns one of the user's VMs
func (m *Manager) GetVM(ctx context.Context, userID, id uint64) (*types.VM, error) {
	vm, err := m.load(ctx, userID, id)
	if err != nil {
		return nil, opError("get", nil, err)
	}
	return vm, nil
}

// ListVMs returns the user's VMs that are not deleted
func (m *Manager) ListVMs(ctx context.Context, userID uint64) ([]*types.VM, error) {
	return m.List(ctx, storage.ForUser(userID))
}

// List returns every VM matching filter, regardless of owner
func (m *Manager) List(ctx context.Context, filter storage.VMFilter) ([]*types.VM, error) {
	var vms []*types.VM
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		vms, err = tx.ListVMs(filter)
		return err
	})
	return vms, err
}

// VMCounts returns the number of records per status
func (m *Manager) VMCounts(ctx context.Context) (map[types.VMStatus]int, error) {
	vms, err := m.List(ctx, storage.VMFilter{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	counts := make(map[types.VMStatus]int, len(types.AllVMStatuses))
	for _, s := range types.AllVMStatuses {
		counts[s] = 0
	}
	for _, vm := range vms {
		counts[vm.Status]++
	}
	return counts, nil
}

// TryLockVM takes the per-VM lock of record id without waiting. Background
// loops use it to skip VMs busy in a user operation.
func (m *Manager) TryLockVM(id uint64) (func(), bool) {
	return m.locks.TryLock(id)
}

// owned adapts a record lookup into an ownership check. Deleted records
// count as missing.
func owned(vm *types.VM, err error) func(userID uint64) (*types.VM, error) {
	return func(userID uint64) (*types.VM, error) {
		if err != nil {
			return nil, err
		}
		if vm.Status == types.VMStatusDeleted {
			return nil, fmt.Errorf("vm %d: %w", vm.ID, errdefs.ErrNotFound)
		}
		if vm.UserID != userID {
			return nil, fmt.Errorf("vm %d belongs to another user: %w", vm.ID, errdefs.ErrForbidden)
		}
		return vm, nil
	}
}

// load reads the user's VM outside any write transaction
func (m *Manager) load(ctx context.Context, userID, id uint64) (*types.VM, error) {
	var vm *types.VM
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		vm, err = owned(tx.GetVM(id))(userID)
		return err
	})
	return vm, err
}

// commit applies mutate to the locked record and writes it back
func (m *Manager) commit(ctx context.Context, id uint64, mutate func(vm *types.VM) error) (*types.VM, error) {
	var out *types.VM
	err := m.store.Update(ctx, func(tx storage.Tx) error {
		vm, err := tx.LockVM(id)
		if err != nil {
			return err
		}
		if err := mutate(vm); err != nil {
			return err
		}
		vm.UpdatedAt = m.now()
		if err := tx.UpdateVM(vm); err != nil {
			return err
		}
		out = vm
		return nil
	})
	return out, err
}

// detached returns a context that survives cancellation of ctx, for
// bookkeeping that must complete after a remote step failed
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func (m *Manager) publish(typ events.EventType, vm *types.VM, message string, err error) {
	m.broker.Publish(events.NewEvent(typ, vm, message).WithError(err))
}

// opError annotates err with the operation and VM. Errors that already carry
// context from the gateway are returned as is.
func opError(op string, vm *types.VM, err error) error {
	if err == nil {
		return nil
	}
	var e *errdefs.Error
	if errors.As(err, &e) {
		return err
	}
	out := &errdefs.Error{Kind: errdefs.KindOf(err), Op: op, Err: err}
	if vm != nil {
		out.VMID = vm.VMID
		out.Node = vm.Node
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}
