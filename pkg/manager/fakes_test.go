package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
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
	"github.com/stretchr/testify/require"
)

const testKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIIbJKZscbOLzBsgY5y2QupKW4A2kSDjMBQGPb1dChr+S test@example.com"

type fakeVM struct {
	node  string
	power string
	ci    proxmox.CloudInit
}

// fakeHypervisor keeps VMs in memory. failures makes the named verb fail.
type fakeHypervisor struct {
	mu       sync.Mutex
	vms      map[int]*fakeVM
	failures map[string]error
	ha       map[int]bool
	avail    uint64
	calls    []string
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		vms:      make(map[int]*fakeVM),
		failures: make(map[string]error),
		ha:       make(map[int]bool),
		avail:    500 * gib,
	}
}

func (f *fakeHypervisor) failOn(verb string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, verb)
		return
	}
	f.failures[verb] = err
}

func (f *fakeHypervisor) enter(verb string, vmid int) error {
	f.calls = append(f.calls, fmt.Sprintf("%s %d", verb, vmid))
	return f.failures[verb]
}

func (f *fakeHypervisor) get(vmid int) (*fakeVM, error) {
	vm, ok := f.vms[vmid]
	if !ok {
		return nil, fmt.Errorf("vm %d does not exist: %w", vmid, errdefs.ErrRemoteRejected)
	}
	return vm, nil
}

func (f *fakeHypervisor) vm(vmid int) (fakeVM, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[vmid]
	if !ok {
		return fakeVM{}, false
	}
	return *vm, true
}

func (f *fakeHypervisor) Clone(_ context.Context, req proxmox.CloneRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("clone", req.NewVMID); err != nil {
		return err
	}
	if _, exists := f.vms[req.NewVMID]; exists {
		return fmt.Errorf("vm %d already exists: %w", req.NewVMID, errdefs.ErrRemoteRejected)
	}
	f.vms[req.NewVMID] = &fakeVM{node: req.TargetNode, power: "stopped"}
	return nil
}

func (f *fakeHypervisor) Configure(_ context.Context, _ string, vmid int, ci proxmox.CloudInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("configure", vmid); err != nil {
		return err
	}
	vm, err := f.get(vmid)
	if err != nil {
		return err
	}
	vm.ci = ci
	return nil
}

func (f *fakeHypervisor) power(verb string, vmid int, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(verb, vmid); err != nil {
		return err
	}
	vm, err := f.get(vmid)
	if err != nil {
		return err
	}
	vm.power = to
	return nil
}

func (f *fakeHypervisor) Start(_ context.Context, _ string, vmid int) error {
	return f.power("start", vmid, "running")
}

func (f *fakeHypervisor) Shutdown(_ context.Context, _ string, vmid int) error {
	return f.power("shutdown", vmid, "stopped")
}

func (f *fakeHypervisor) Reboot(_ context.Context, _ string, vmid int) error {
	return f.power("reboot", vmid, "running")
}

func (f *fakeHypervisor) Destroy(_ context.Context, _ string, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("destroy", vmid); err != nil {
		return err
	}
	if _, err := f.get(vmid); err != nil {
		return err
	}
	delete(f.vms, vmid)
	return nil
}

func (f *fakeHypervisor) Status(_ context.Context, _ string, vmid int) (*proxmox.VMStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["status"]; err != nil {
		return nil, err
	}
	vm, err := f.get(vmid)
	if err != nil {
		return nil, err
	}
	return &proxmox.VMStatus{Status: vm.power}, nil
}

func (f *fakeHypervisor) VNCProxy(_ context.Context, _ string, vmid int) (*proxmox.VNCTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("vncproxy", vmid); err != nil {
		return nil, err
	}
	return &proxmox.VNCTicket{Port: 5900, Ticket: "PVEVNC:ticket"}, nil
}

func (f *fakeHypervisor) ConsoleURL(node string, vmid int, t *proxmox.VNCTicket) string {
	return fmt.Sprintf("https://pve/?node=%s&vmid=%d&vncticket=%s", node, vmid, t.Ticket)
}

func (f *fakeHypervisor) StorageStatus(_ context.Context, _, _ string) (*proxmox.StorageStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["storage"]; err != nil {
		return nil, err
	}
	return &proxmox.StorageStatus{Avail: f.avail, Total: 1000 * gib}, nil
}

func (f *fakeHypervisor) EnableHA(_ context.Context, vmid int, _ proxmox.HAOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ha[vmid] = true
	return nil
}

func (f *fakeHypervisor) DisableHA(_ context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ha, vmid)
	return nil
}

// fakeTool records targets and fails from the failAt-th call on
type fakeTool struct {
	mu      sync.Mutex
	targets []provision.Target
	failAt  int
	err     error
}

func (f *fakeTool) Provision(_ context.Context, target provision.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	if f.err != nil && len(f.targets) >= f.failAt {
		return f.err
	}
	return nil
}

type fixedSelector string

func (s fixedSelector) SelectBestNode(context.Context) string { return string(s) }

type harness struct {
	m     *Manager
	hv    *fakeHypervisor
	tool  *fakeTool
	store storage.Store
	clock time.Time
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

// newHarness builds a manager over a bolt store with a pool of poolSize
// addresses starting at 192.168.100.10
func newHarness(t *testing.T, poolSize int) *harness {
	t.Helper()
	log.Disable()
	ctx := context.Background()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	alloc := allocator.New(store, 200)
	if poolSize > 0 {
		_, err = alloc.SeedRange(ctx, "192.168.100.10", fmt.Sprintf("192.168.100.%d", 10+poolSize-1))
		require.NoError(t, err)
	}

	key, err := types.ParseSSHKey("", []byte(testKey))
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error { return tx.CreateSSHKey(key) }))

	cfg := config.Defaults()
	cfg.Proxmox.Nodes = []string{"pve1", "pve2"}
	cfg.Proxmox.PrimaryNode = "pve1"
	cfg.Proxmox.TemplateNode = "pve1"
	cfg.Proxmox.HA.Enabled = true

	h := &harness{
		hv:    newFakeHypervisor(),
		tool:  &fakeTool{},
		store: store,
		clock: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	h.m = New(Deps{
		Config:     cfg,
		Store:      store,
		Allocator:  alloc,
		Hypervisor: h.hv,
		Tool:       h.tool,
		Selector:   fixedSelector("pve2"),
		Broker:     events.NewBroker(),
	})
	h.m.now = func() time.Time { return h.clock }
	return h
}

// record reads a VM record directly from the store
func (h *harness) record(t *testing.T, id uint64) *types.VM {
	t.Helper()
	var vm *types.VM
	require.NoError(t, h.store.View(context.Background(), func(tx storage.Tx) error {
		var err error
		vm, err = tx.GetVM(id)
		return err
	}))
	return vm
}

func (h *harness) ip(t *testing.T, addr string) *types.AllocatedIP {
	t.Helper()
	var ip *types.AllocatedIP
	require.NoError(t, h.store.View(context.Background(), func(tx storage.Tx) error {
		var err error
		ip, err = tx.LockIP(addr)
		return err
	}))
	return ip
}
