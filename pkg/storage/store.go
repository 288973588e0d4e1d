package storage

import (
	"context"
	"time"

	"github.com/cuemby/labvm/pkg/types"
)

// Store is the transactional record store.
//
// Update runs fn in a read-write transaction that holds exclusive locks on
// every row it reads through the Lock* and Claim* methods; the transaction
// commits when fn returns nil and rolls back otherwise. View runs fn in a
// read-only transaction.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of record operations available inside a transaction.
// Lookups of missing records return errdefs.ErrNotFound.
type Tx interface {
	// NextVMID locks the VMID sequence, returns its current value and
	// advances it. start seeds the sequence on first use.
	NextVMID(start int) (int, error)

	// IP pool
	AddIP(ip *types.AllocatedIP) (bool, error)
	ClaimFreeIP() (*types.AllocatedIP, error)
	LockIP(address string) (*types.AllocatedIP, error)
	UpdateIP(ip *types.AllocatedIP) error
	ListIPs() ([]*types.AllocatedIP, error)

	// VMs
	CreateVM(vm *types.VM) error
	GetVM(id uint64) (*types.VM, error)
	LockVM(id uint64) (*types.VM, error)
	UpdateVM(vm *types.VM) error
	ActiveVMForUser(userID uint64) (*types.VM, error)
	ListVMs(filter VMFilter) ([]*types.VM, error)

	// SSH keys
	CreateSSHKey(key *types.SSHKey) error
	ListSSHKeys() ([]*types.SSHKey, error)
	ActiveSSHKey(now time.Time) (*types.SSHKey, error)
	SetSSHKeyActive(name string, active bool) error

	// Audit log
	AppendAudit(entry *types.AuditEntry) error
	ListAudit(userID uint64, limit int) ([]*types.AuditEntry, error)
}

// VMFilter narrows ListVMs. Zero values match everything except Deleted
// records, which are only returned when IncludeDeleted is set or Deleted is
// named in Statuses.
type VMFilter struct {
	UserID         *uint64
	Statuses       []types.VMStatus
	IncludeDeleted bool
}

// ForUser returns a filter for one user's VMs
func ForUser(userID uint64) VMFilter {
	return VMFilter{UserID: &userID}
}

// WithStatus returns a filter for VMs in any of statuses
func WithStatus(statuses ...types.VMStatus) VMFilter {
	return VMFilter{Statuses: statuses}
}

// Match reports whether vm passes the filter
func (f VMFilter) Match(vm *types.VM) bool {
	if f.UserID != nil && vm.UserID != *f.UserID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if vm.Status == s {
				return true
			}
		}
		return false
	}
	return f.IncludeDeleted || vm.Status != types.VMStatusDeleted
}
