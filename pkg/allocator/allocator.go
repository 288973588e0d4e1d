package allocator

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/storage"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/rs/zerolog"
)

// Allocator hands out VMIDs and pool addresses
type Allocator struct {
	store     storage.Store
	vmidStart int
	logger    zerolog.Logger
}

// New creates an allocator whose VMID sequence starts at vmidStart
func New(store storage.Store, vmidStart int) *Allocator {
	return &Allocator{
		store:     store,
		vmidStart: vmidStart,
		logger:    log.WithComponent("allocator"),
	}
}

// AllocateVMID mints the next VMID. It must run inside tx.
func (a *Allocator) AllocateVMID(tx storage.Tx) (int, error) {
	return tx.NextVMID(a.vmidStart)
}

// AllocateIP claims a free address and marks it allocated. It must run
// inside tx; the caller links it to a VM record with Link.
func (a *Allocator) AllocateIP(tx storage.Tx, now time.Time) (*types.AllocatedIP, error) {
	ip, err := tx.ClaimFreeIP()
	if err != nil {
		return nil, err
	}
	ip.Status = types.IPStatusAllocated
	ip.VMRecordID = nil
	ip.AllocatedAt = &now
	ip.ReleasedAt = nil
	if err := tx.UpdateIP(ip); err != nil {
		return nil, err
	}
	return ip, nil
}

// Link attaches an allocated address to a VM record
func Link(tx storage.Tx, ip *types.AllocatedIP, vmID uint64) error {
	ip.VMRecordID = &vmID
	return tx.UpdateIP(ip)
}

// Release returns address to the free pool. Unknown addresses are ignored.
func Release(tx storage.Tx, address string, now time.Time) error {
	if address == "" {
		return nil
	}
	ip, err := tx.LockIP(address)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if ip.Status == types.IPStatusReserved {
		return nil
	}
	ip.Status = types.IPStatusFree
	ip.VMRecordID = nil
	ip.ReleasedAt = &now
	return tx.UpdateIP(ip)
}

// ReserveRequest describes the record inserted by Reserve
type ReserveRequest struct {
	UserID     uint64
	Node       string
	NamePrefix string
	Now        time.Time
}

// Reserve performs admission, allocation and the initial record insert in
// one transaction. The returned record is in state Created with its VMID
// and IP address assigned.
func (a *Allocator) Reserve(ctx context.Context, req ReserveRequest) (*types.VM, error) {
	var vm *types.VM
	err := a.store.Update(ctx, func(tx storage.Tx) error {
		existing, err := tx.ActiveVMForUser(req.UserID)
		if err == nil {
			return fmt.Errorf("user %d already holds vm %d: %w", req.UserID, existing.VMID, errdefs.ErrAlreadyExists)
		}
		if !errdefs.IsNotFound(err) {
			return err
		}

		vmid, err := a.AllocateVMID(tx)
		if err != nil {
			return fmt.Errorf("allocate vmid: %w", err)
		}
		ip, err := a.AllocateIP(tx, req.Now)
		if err != nil {
			return fmt.Errorf("allocate ip: %w", err)
		}

		lastActive := req.Now
		vm = &types.VM{
			UserID:       req.UserID,
			VMID:         vmid,
			Name:         VMName(req.NamePrefix, req.UserID, vmid),
			Node:         req.Node,
			Status:       types.VMStatusCreated,
			IPAddress:    ip.Address,
			CreatedAt:    req.Now,
			LastActiveAt: &lastActive,
		}
		if err := tx.CreateVM(vm); err != nil {
			return err
		}
		return Link(tx, ip, vm.ID)
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info().
		Uint64("user_id", vm.UserID).
		Int("vmid", vm.VMID).
		Str("ip", vm.IPAddress).
		Str("node", vm.Node).
		Msg("Reserved VM resources")
	return vm, nil
}

// VMName builds the hostname of a user's VM
func VMName(prefix string, userID uint64, vmid int) string {
	if prefix == "" {
		prefix = "labvm"
	}
	return fmt.Sprintf("%s-u%d-%d", prefix, userID, vmid)
}

// SeedRange adds every address from first to last (inclusive) to the pool
// as free. Existing addresses are left untouched. It returns the number of
// addresses added.
func (a *Allocator) SeedRange(ctx context.Context, first, last string) (int, error) {
	addrs, err := expandRange(first, last)
	if err != nil {
		return 0, err
	}

	added := 0
	err = a.store.Update(ctx, func(tx storage.Tx) error {
		added = 0
		for _, addr := range addrs {
			ok, err := tx.AddIP(&types.AllocatedIP{Address: addr, Status: types.IPStatusFree})
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	a.logger.Info().Str("first", first).Str("last", last).Int("added", added).Msg("Seeded IP pool")
	return added, nil
}

// SetReserved takes address out of (or back into) circulation. An address
// currently allocated to a VM cannot be reserved.
func (a *Allocator) SetReserved(ctx context.Context, address string, reserved bool) error {
	return a.store.Update(ctx, func(tx storage.Tx) error {
		ip, err := tx.LockIP(address)
		if err != nil {
			return err
		}
		switch {
		case reserved && ip.Status == types.IPStatusAllocated:
			return fmt.Errorf("ip %s is allocated: %w", address, errdefs.ErrConflict)
		case reserved:
			ip.Status = types.IPStatusReserved
		case ip.Status == types.IPStatusReserved:
			ip.Status = types.IPStatusFree
		}
		return tx.UpdateIP(ip)
	})
}

// PoolStats counts pool addresses by status
func (a *Allocator) PoolStats(ctx context.Context) (map[types.IPStatus]int, error) {
	stats := map[types.IPStatus]int{
		types.IPStatusFree:      0,
		types.IPStatusAllocated: 0,
		types.IPStatusReserved:  0,
	}
	err := a.store.View(ctx, func(tx storage.Tx) error {
		ips, err := tx.ListIPs()
		if err != nil {
			return err
		}
		for _, ip := range ips {
			stats[ip.Status]++
		}
		return nil
	})
	return stats, err
}

func expandRange(first, last string) ([]string, error) {
	start := net.ParseIP(first).To4()
	end := net.ParseIP(last).To4()
	if start == nil || end == nil {
		return nil, fmt.Errorf("pool range %s-%s: only IPv4 ranges are supported: %w", first, last, errdefs.ErrInvalidRange)
	}
	lo := binary.BigEndian.Uint32(start)
	hi := binary.BigEndian.Uint32(end)
	if lo > hi {
		return nil, fmt.Errorf("pool range %s-%s is reversed: %w", first, last, errdefs.ErrInvalidRange)
	}
	if hi-lo >= 1<<16 {
		return nil, fmt.Errorf("pool range %s-%s is larger than a /16: %w", first, last, errdefs.ErrInvalidRange)
	}

	addrs := make([]string, 0, hi-lo+1)
	buf := make(net.IP, 4)
	for v := lo; ; v++ {
		binary.BigEndian.PutUint32(buf, v)
		addrs = append(addrs, buf.String())
		if v == hi {
			break
		}
	}
	return addrs, nil
}
