package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/provision"
	"github.com/cuemby/labvm/pkg/storage"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolFailure(msg string) error {
	return fmt.Errorf("%s: %w", msg, errdefs.ErrToolFailure)
}

func TestCreateVM(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	vm, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, types.VMStatusReady, vm.Status)
	assert.Equal(t, 200, vm.VMID)
	assert.Equal(t, "pve2", vm.Node)
	assert.Equal(t, "192.168.100.10", vm.IPAddress)
	assert.Equal(t, "labvm-u1-200", vm.Name)
	require.NotNil(t, vm.RuntimeExpiresAt)
	assert.Equal(t, h.clock.Add(12*time.Hour), *vm.RuntimeExpiresAt)
	assert.Empty(t, vm.FailureReason)

	remote, ok := h.hv.vm(200)
	require.True(t, ok)
	assert.Equal(t, "pve2", remote.node)
	assert.Equal(t, "running", remote.power)
	assert.Equal(t, "ip=192.168.100.10/24,gw=192.168.100.1", remote.ci.IPConfig)
	assert.Equal(t, []string{testKey}, remote.ci.SSHKeys)
	assert.Equal(t, "student", remote.ci.User)
	assert.True(t, h.hv.ha[200])

	assert.Equal(t, []provision.Target{{Address: "192.168.100.10", Hostname: "labvm-u1-200"}}, h.tool.targets)

	ip := h.ip(t, "192.168.100.10")
	assert.Equal(t, types.IPStatusAllocated, ip.Status)
	require.NotNil(t, ip.VMRecordID)
	assert.Equal(t, vm.ID, *ip.VMRecordID)

	stored := h.record(t, vm.ID)
	assert.Equal(t, types.VMStatusReady, stored.Status)
}

func TestCreateVMWithoutSSHKey(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	require.NoError(t, h.store.Update(ctx, func(tx storage.Tx) error {
		return tx.SetSSHKeyActive("test@example.com", false)
	}))

	_, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)

	remote, ok := h.hv.vm(200)
	require.True(t, ok)
	assert.Empty(t, remote.ci.SSHKeys)
}

func TestCreateVMAlreadyExists(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	_, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)

	_, err = h.m.CreateVM(ctx, 1)
	require.Error(t, err)
	assert.True(t, errdefs.IsAlreadyExists(err))

	var e *errdefs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, StepAdmission, e.Step)

	// nothing was allocated for the rejected request
	assert.Len(t, h.hv.vms, 1)
	assert.Equal(t, types.IPStatusFree, h.ip(t, "192.168.100.11").Status)
}

func TestCreateVMConcurrentPoolExhaustion(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	const users = 10
	var wg sync.WaitGroup
	errs := make([]error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.m.CreateVM(ctx, uint64(i+1))
		}(i)
	}
	wg.Wait()

	created, exhausted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errdefs.IsResourceExhausted(err):
			exhausted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, created)
	assert.Equal(t, 7, exhausted)

	vms, err := h.m.List(ctx, storage.VMFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, vms, 3)

	seenIP := make(map[string]bool)
	seenVMID := make(map[int]bool)
	for _, vm := range vms {
		assert.False(t, seenIP[vm.IPAddress], "duplicate ip %s", vm.IPAddress)
		assert.False(t, seenVMID[vm.VMID], "duplicate vmid %d", vm.VMID)
		seenIP[vm.IPAddress] = true
		seenVMID[vm.VMID] = true
	}
}

func TestCreateVMProvisionFailure(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	h.tool.err = toolFailure("playbook exited with status 2")

	vm, err := h.m.CreateVM(ctx, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrProvisioningFailed))
	assert.True(t, errors.Is(err, errdefs.ErrToolFailure))

	var e *errdefs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "create", e.Op)
	assert.Equal(t, StepProvision, e.Step)
	assert.Equal(t, 200, e.VMID)
	assert.Equal(t, "pve2", e.Node)

	require.NotNil(t, vm)
	stored := h.record(t, vm.ID)
	assert.Equal(t, types.VMStatusFailed, stored.Status)
	assert.True(t, strings.HasPrefix(stored.FailureReason, "provision: "), stored.FailureReason)
	assert.Nil(t, stored.RuntimeExpiresAt)

	// The address stays with the failed record until the janitor reaps it
	assert.Equal(t, types.IPStatusAllocated, h.ip(t, "192.168.100.10").Status)
	assert.False(t, h.hv.ha[200])
}

func TestCreateVMRemoteStepFailures(t *testing.T) {
	tests := []struct {
		name string
		verb string
		err  error
		step string
		kind error
	}{
		{
			name: "clone rejected",
			verb: "clone",
			err:  fmt.Errorf("template locked: %w", errdefs.ErrRemoteRejected),
			step: StepClone,
			kind: errdefs.ErrRemoteRejected,
		},
		{
			name: "configure unavailable",
			verb: "configure",
			err:  fmt.Errorf("connection refused: %w", errdefs.ErrHypervisorUnavailable),
			step: StepConfigure,
			kind: errdefs.ErrHypervisorUnavailable,
		},
		{
			name: "start timeout",
			verb: "start",
			err:  &errdefs.Error{Kind: errdefs.ErrTimeout, Op: "start", VMID: 200, Err: errors.New("still stopped")},
			step: StepStart,
			kind: errdefs.ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 2)
			h.hv.failOn(tt.verb, tt.err)

			vm, err := h.m.CreateVM(context.Background(), 1)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errdefs.ErrProvisioningFailed))
			assert.True(t, errors.Is(err, tt.kind))
			assert.Equal(t, tt.kind, errdefs.KindOf(err))

			var e *errdefs.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.step, e.Step)

			stored := h.record(t, vm.ID)
			assert.Equal(t, types.VMStatusFailed, stored.Status)
			assert.True(t, strings.HasPrefix(stored.FailureReason, tt.step+": "))
			assert.Empty(t, h.tool.targets)
		})
	}
}

func TestCreateVMStorageExhausted(t *testing.T) {
	h := newHarness(t, 5)
	h.hv.avail = 10 * gib

	_, err := h.m.CreateVM(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))

	var e *errdefs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, StepStorage, e.Step)

	vms, err := h.m.List(context.Background(), storage.VMFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, vms)
	assert.Equal(t, types.IPStatusFree, h.ip(t, "192.168.100.10").Status)
	assert.Empty(t, h.hv.vms)
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	vm, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)

	url, err := h.m.VNCURL(ctx, 1, vm.ID)
	require.NoError(t, err)
	assert.Contains(t, url, "vmid=200")

	// A ready VM is already powered on; start only begins the runtime timer
	h.advance(time.Minute)
	vm, err = h.m.StartVM(ctx, 1, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, vm.Status)
	require.NotNil(t, vm.RuntimeExpiresAt)
	assert.Equal(t, h.clock.Add(12*time.Hour), *vm.RuntimeExpiresAt)
	starts := 0
	for _, c := range h.hv.calls {
		if c == "start 200" {
			starts++
		}
	}
	assert.Equal(t, 1, starts)

	_, err = h.m.StartVM(ctx, 1, vm.ID)
	assert.True(t, errors.Is(err, errdefs.ErrConflict))

	_, err = h.m.RebootVM(ctx, 1, vm.ID)
	require.NoError(t, err)

	vm, err = h.m.StopVM(ctx, 1, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusStopped, vm.Status)
	assert.Nil(t, vm.RuntimeExpiresAt)
	remote, _ := h.hv.vm(200)
	assert.Equal(t, "stopped", remote.power)

	// stopping twice is a no-op
	calls := len(h.hv.calls)
	_, err = h.m.StopVM(ctx, 1, vm.ID)
	require.NoError(t, err)
	assert.Len(t, h.hv.calls, calls)

	_, err = h.m.RebootVM(ctx, 1, vm.ID)
	assert.True(t, errors.Is(err, errdefs.ErrNotRunning))
	_, err = h.m.VNCURL(ctx, 1, vm.ID)
	assert.True(t, errors.Is(err, errdefs.ErrNotRunning))
	_, err = h.m.ExtendVM(ctx, 1, vm.ID, 30)
	assert.True(t, errors.Is(err, errdefs.ErrNotRunning))

	vm, err = h.m.StartVM(ctx, 1, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, vm.Status)
	remote, _ = h.hv.vm(200)
	assert.Equal(t, "running", remote.power)
}

func TestStartVMTimeoutKeepsRecord(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	vm, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)
	vm, err = h.m.StopVM(ctx, 1, vm.ID)
	require.NoError(t, err)

	h.hv.failOn("start", &errdefs.Error{
		Kind: errdefs.ErrTimeout, Op: "start", VMID: 200, Node: "pve2",
		Err: errors.New("vm still stopped after 60s"),
	})

	_, err = h.m.StartVM(ctx, 1, vm.ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err))

	var e *errdefs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 200, e.VMID)
	assert.Equal(t, "pve2", e.Node)

	stored := h.record(t, vm.ID)
	assert.Equal(t, types.VMStatusStopped, stored.Status)
	assert.Nil(t, stored.RuntimeExpiresAt)
}

func TestExtendVM(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.m.cfg.VM.DefaultRuntime = time.Hour

	vm, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)
	vm, err = h.m.StartVM(ctx, 1, vm.ID)
	require.NoError(t, err)
	start := h.clock

	vm, err = h.m.ExtendVM(ctx, 1, vm.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, start.Add(80*time.Minute), *vm.RuntimeExpiresAt)

	for _, minutes := range []int{0, 4, 61, -5} {
		_, err = h.m.ExtendVM(ctx, 1, vm.ID, minutes)
		assert.True(t, errors.Is(err, errdefs.ErrInvalidRange), "minutes=%d", minutes)
	}

	// an expiry already in the past extends from now
	h.advance(2 * time.Hour)
	vm, err = h.m.ExtendVM(ctx, 1, vm.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Add(10*time.Minute), *vm.RuntimeExpiresAt)

	// the new expiry is clamped to now + the maximum runtime
	_, err = h.m.commit(ctx, vm.ID, func(v *types.VM) error {
		v.RuntimeExpiresAt = timePtr(h.clock.Add(11*time.Hour + 50*time.Minute))
		return nil
	})
	require.NoError(t, err)
	vm, err = h.m.ExtendVM(ctx, 1, vm.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Add(12*time.Hour), *vm.RuntimeExpiresAt)

	_, err = h.m.ExtendVM(ctx, 1, vm.ID, 5)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidRange))
	assert.Equal(t, h.clock.Add(12*time.Hour), *h.record(t, vm.ID).RuntimeExpiresAt)
}

func TestOwnership(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	vm, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)

	_, err = h.m.GetVM(ctx, 2, vm.ID)
	assert.True(t, errors.Is(err, errdefs.ErrForbidden))
	_, err = h.m.StopVM(ctx, 2, vm.ID)
	assert.True(t, errors.Is(err, errdefs.ErrForbidden))
	err = h.m.DeleteVM(ctx, 2, vm.ID)
	assert.True(t, errors.Is(err, errdefs.ErrForbidden))

	_, err = h.m.GetVM(ctx, 1, 999)
	assert.True(t, errdefs.IsNotFound(err))

	own, err := h.m.ListVMs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, own, 1)
	other, err := h.m.ListVMs(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestDeleteAndRecreate(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	vm, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, h.m.DeleteVM(ctx, 1, vm.ID))

	stored := h.record(t, vm.ID)
	assert.Equal(t, types.VMStatusDeleted, stored.Status)
	require.NotNil(t, stored.DeletedAt)
	assert.Equal(t, h.clock, *stored.DeletedAt)
	_, exists := h.hv.vm(200)
	assert.False(t, exists)
	assert.False(t, h.hv.ha[200])

	ip := h.ip(t, "192.168.100.10")
	assert.Equal(t, types.IPStatusFree, ip.Status)
	assert.Nil(t, ip.VMRecordID)

	_, err = h.m.GetVM(ctx, 1, vm.ID)
	assert.True(t, errdefs.IsNotFound(err))

	again, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 201, again.VMID)
	assert.Equal(t, "192.168.100.10", again.IPAddress)
	assert.NotEqual(t, vm.ID, again.ID)
}

func TestDeleteVMRemoteFailure(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	vm, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)
	h.hv.failOn("destroy", fmt.Errorf("node unreachable: %w", errdefs.ErrHypervisorUnavailable))

	require.NoError(t, h.m.DeleteVM(ctx, 1, vm.ID))
	assert.Equal(t, types.VMStatusDeleted, h.record(t, vm.ID).Status)
	assert.Equal(t, types.IPStatusFree, h.ip(t, "192.168.100.10").Status)
}

func TestResetVM(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	vm, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)
	vm, err = h.m.StartVM(ctx, 1, vm.ID)
	require.NoError(t, err)

	reset, err := h.m.ResetVM(ctx, 1, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, vm.ID, reset.ID)
	assert.Equal(t, 201, reset.VMID)
	assert.Equal(t, "labvm-u1-201", reset.Name)
	assert.Equal(t, vm.IPAddress, reset.IPAddress)
	assert.Equal(t, types.VMStatusReady, reset.Status)
	assert.Nil(t, reset.RuntimeExpiresAt)

	_, oldExists := h.hv.vm(200)
	assert.False(t, oldExists)
	remote, ok := h.hv.vm(201)
	require.True(t, ok)
	assert.Equal(t, "running", remote.power)
	assert.Equal(t, "ip=192.168.100.10/24,gw=192.168.100.1", remote.ci.IPConfig)
	assert.True(t, h.hv.ha[201])
	assert.False(t, h.hv.ha[200])

	require.Len(t, h.tool.targets, 2)
	assert.Equal(t, provision.Target{Address: "192.168.100.10", Hostname: "labvm-u1-201"}, h.tool.targets[1])

	// the old VM is off before the replacement boots
	shutdown, start := -1, -1
	for i, c := range h.hv.calls {
		switch c {
		case "shutdown 200":
			shutdown = i
		case "start 201":
			start = i
		}
	}
	require.NotEqual(t, -1, shutdown)
	assert.Less(t, shutdown, start)
}

func TestResetVMFailureKeepsOldVM(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	vm, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)

	h.tool.failAt = 2
	h.tool.err = toolFailure("playbook exited with status 4")

	_, err = h.m.ResetVM(ctx, 1, vm.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrToolFailure))

	var e *errdefs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "reset", e.Op)
	assert.Equal(t, StepProvision, e.Step)

	stored := h.record(t, vm.ID)
	assert.Equal(t, 200, stored.VMID)
	assert.Equal(t, types.VMStatusStopped, stored.Status)
	assert.Equal(t, "192.168.100.10", stored.IPAddress)

	_, newExists := h.hv.vm(201)
	assert.False(t, newExists)
	old, ok := h.hv.vm(200)
	require.True(t, ok)
	assert.Equal(t, "stopped", old.power)
}

func TestResetVMInFlight(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	vm, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)
	_, err = h.m.commit(ctx, vm.ID, func(v *types.VM) error {
		v.Status = types.VMStatusProvisioning
		return nil
	})
	require.NoError(t, err)

	_, err = h.m.ResetVM(ctx, 1, vm.ID)
	assert.True(t, errors.Is(err, errdefs.ErrConflict))
	_, err = h.m.StopVM(ctx, 1, vm.ID)
	assert.True(t, errors.Is(err, errdefs.ErrConflict))
}

func TestExpire(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	vm, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)
	vm, err = h.m.StartVM(ctx, 1, vm.ID)
	require.NoError(t, err)

	stopped, err := h.m.Expire(ctx, vm.ID)
	require.NoError(t, err)
	assert.False(t, stopped)

	h.advance(12 * time.Hour)
	stopped, err = h.m.Expire(ctx, vm.ID)
	require.NoError(t, err)
	assert.True(t, stopped)

	stored := h.record(t, vm.ID)
	assert.Equal(t, types.VMStatusStopped, stored.Status)
	assert.Nil(t, stored.RuntimeExpiresAt)
	remote, _ := h.hv.vm(200)
	assert.Equal(t, "stopped", remote.power)

	stopped, err = h.m.Expire(ctx, vm.ID)
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestReap(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	h.tool.err = toolFailure("boom")

	vm, err := h.m.CreateVM(ctx, 1)
	require.Error(t, err)

	unlock, ok := h.m.TryLockVM(vm.ID)
	require.True(t, ok)
	err = h.m.Reap(ctx, vm.ID, "failed")
	assert.True(t, errors.Is(err, errdefs.ErrConflict))
	_, err = h.m.Expire(ctx, vm.ID)
	assert.True(t, errors.Is(err, errdefs.ErrConflict))
	unlock()

	require.NoError(t, h.m.Reap(ctx, vm.ID, "failed"))
	assert.Equal(t, types.VMStatusDeleted, h.record(t, vm.ID).Status)
	assert.Equal(t, types.IPStatusFree, h.ip(t, "192.168.100.10").Status)
	_, exists := h.hv.vm(200)
	assert.False(t, exists)

	// reaping a deleted record does nothing
	require.NoError(t, h.m.Reap(ctx, vm.ID, "failed"))
}

func TestVMCounts(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	_, err := h.m.CreateVM(ctx, 1)
	require.NoError(t, err)
	vm, err := h.m.CreateVM(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, h.m.DeleteVM(ctx, 2, vm.ID))

	counts, err := h.m.VMCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.VMStatusReady])
	assert.Equal(t, 1, counts[types.VMStatusDeleted])
	assert.Equal(t, 0, counts[types.VMStatusRunning])
	assert.Len(t, counts, len(types.AllVMStatuses))
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.Lock(1)
	_, ok := k.TryLock(1)
	assert.False(t, ok)

	other, ok := k.TryLock(2)
	require.True(t, ok)
	assert.Equal(t, 2, k.held())
	other()

	acquired := make(chan struct{})
	go func() {
		u := k.Lock(1)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return k.held() == 0 }, time.Second, 5*time.Millisecond)
}
