package types

import (
	"time"
)

// VM is the local record of a user's virtual machine
type VM struct {
	ID               uint64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID           uint64     `json:"user_id" gorm:"not null;index:idx_vms_active_user,class:UNIQUE,where:status <> 'deleted'"`
	VMID             int        `json:"vmid" gorm:"column:vmid;not null;uniqueIndex"` // Proxmox VMID
	Name             string     `json:"name" gorm:"size:100;not null"`
	Node             string     `json:"node" gorm:"size:64;not null;index"`
	Status           VMStatus   `json:"status" gorm:"size:20;not null;index"`
	IPAddress        string     `json:"ip_address,omitempty" gorm:"size:45;index"`
	FailureReason    string     `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	RuntimeExpiresAt *time.Time `json:"runtime_expires_at,omitempty"`
	LastActiveAt     *time.Time `json:"last_active_at,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// VMStatus is the lifecycle state of a VM record
type VMStatus string

const (
	VMStatusCreated      VMStatus = "created"
	VMStatusProvisioning VMStatus = "provisioning"
	VMStatusReady        VMStatus = "ready"
	VMStatusRunning      VMStatus = "running"
	VMStatusStopped      VMStatus = "stopped"
	VMStatusFailed       VMStatus = "failed"
	VMStatusDeleted      VMStatus = "deleted"
)

// AllVMStatuses lists every status, in lifecycle order
var AllVMStatuses = []VMStatus{
	VMStatusCreated,
	VMStatusProvisioning,
	VMStatusReady,
	VMStatusRunning,
	VMStatusStopped,
	VMStatusFailed,
	VMStatusDeleted,
}

// Tracked reports whether the reconciler follows VMs in this status
func (s VMStatus) Tracked() bool {
	switch s {
	case VMStatusRunning, VMStatusStopped, VMStatusCreated, VMStatusReady:
		return true
	}
	return false
}

// IsActive reports whether the VM is running or ready for use
func (vm *VM) IsActive() bool {
	return vm.Status == VMStatusRunning || vm.Status == VMStatusReady
}

// Expired reports whether the VM's runtime has run out at now
func (vm *VM) Expired(now time.Time) bool {
	return vm.RuntimeExpiresAt != nil && !now.Before(*vm.RuntimeExpiresAt)
}

// AllocatedIP is one address of the VM network pool
type AllocatedIP struct {
	Address     string     `json:"address" gorm:"primaryKey;size:45"`
	Status      IPStatus   `json:"status" gorm:"size:20;not null;index"`
	VMRecordID  *uint64    `json:"vm_record_id,omitempty" gorm:"index"`
	AllocatedAt *time.Time `json:"allocated_at,omitempty"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// IPStatus is the allocation state of a pool address
type IPStatus string

const (
	IPStatusFree      IPStatus = "free"
	IPStatusAllocated IPStatus = "allocated"
	IPStatusReserved  IPStatus = "reserved"
)

// VMIDSequence is the counter that mints Proxmox VMIDs
type VMIDSequence struct {
	ID   uint `gorm:"primaryKey"`
	Next int  `gorm:"not null"`
}

// AuditEntry records one user-visible action on a VM
type AuditEntry struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    uint64    `json:"user_id" gorm:"index"`
	Action    string    `json:"action" gorm:"size:100;not null"`
	VMID      int       `json:"vmid" gorm:"column:vmid"`
	Status    string    `json:"status" gorm:"size:20;not null"`
	Detail    string    `json:"detail,omitempty" gorm:"type:text"`
	Timestamp time.Time `json:"timestamp" gorm:"index"`
}

// NodeLoad is a point-in-time utilization snapshot of one cluster node
type NodeLoad struct {
	Node          string    `json:"node"`
	Online        bool      `json:"online"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Average returns the mean of CPU and memory utilization
func (l NodeLoad) Average() float64 {
	return (l.CPUPercent + l.MemoryPercent) / 2
}

// OfflineLoad is the snapshot used for a node that could not be polled
func OfflineLoad(node string, at time.Time) NodeLoad {
	return NodeLoad{Node: node, Online: false, CPUPercent: 100, MemoryPercent: 100, SampledAt: at}
}
