package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNextVMID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var got []int
	for i := 0; i < 3; i++ {
		err := store.Update(ctx, func(tx Tx) error {
			id, err := tx.NextVMID(200)
			got = append(got, id)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []int{200, 201, 202}, got)
}

func TestNextVMIDRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	errAbort := errors.New("abort")
	err := store.Update(ctx, func(tx Tx) error {
		_, err := tx.NextVMID(200)
		require.NoError(t, err)
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	var id int
	require.NoError(t, store.Update(ctx, func(tx Tx) error {
		var err error
		id, err = tx.NextVMID(200)
		return err
	}))
	assert.Equal(t, 200, id)
}

func TestClaimFreeIP(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx Tx) error {
		added, err := tx.AddIP(&types.AllocatedIP{Address: "10.0.0.10", Status: types.IPStatusFree})
		assert.True(t, added)
		if err != nil {
			return err
		}
		added, err = tx.AddIP(&types.AllocatedIP{Address: "10.0.0.10", Status: types.IPStatusFree})
		assert.False(t, added)
		if err != nil {
			return err
		}
		_, err = tx.AddIP(&types.AllocatedIP{Address: "10.0.0.11", Status: types.IPStatusReserved})
		return err
	}))

	err := store.Update(ctx, func(tx Tx) error {
		ip, err := tx.ClaimFreeIP()
		if err != nil {
			return err
		}
		assert.Equal(t, "10.0.0.10", ip.Address)
		ip.Status = types.IPStatusAllocated
		return tx.UpdateIP(ip)
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx Tx) error {
		_, err := tx.ClaimFreeIP()
		return err
	})
	assert.True(t, errdefs.IsResourceExhausted(err))
}

func TestCreateVMUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &types.VM{UserID: 7, VMID: 200, Name: "a", Node: "pve1", Status: types.VMStatusReady}
	require.NoError(t, store.Update(ctx, func(tx Tx) error { return tx.CreateVM(first) }))
	assert.NotZero(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	tests := []struct {
		name string
		vm   *types.VM
	}{
		{"same user active", &types.VM{UserID: 7, VMID: 201, Status: types.VMStatusCreated}},
		{"same vmid", &types.VM{UserID: 8, VMID: 200, Status: types.VMStatusCreated}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Update(ctx, func(tx Tx) error { return tx.CreateVM(tt.vm) })
			assert.True(t, errdefs.IsAlreadyExists(err))
		})
	}

	// once deleted, the user may hold a new VM
	require.NoError(t, store.Update(ctx, func(tx Tx) error {
		vm, err := tx.LockVM(first.ID)
		if err != nil {
			return err
		}
		vm.Status = types.VMStatusDeleted
		return tx.UpdateVM(vm)
	}))
	err := store.Update(ctx, func(tx Tx) error {
		return tx.CreateVM(&types.VM{UserID: 7, VMID: 202, Status: types.VMStatusCreated})
	})
	assert.NoError(t, err)
}

func TestGetVMNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.View(context.Background(), func(tx Tx) error {
		_, err := tx.GetVM(42)
		return err
	})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListVMs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	vms := []*types.VM{
		{UserID: 1, VMID: 200, Status: types.VMStatusRunning},
		{UserID: 2, VMID: 201, Status: types.VMStatusStopped},
		{UserID: 3, VMID: 202, Status: types.VMStatusFailed},
		{UserID: 1, VMID: 203, Status: types.VMStatusDeleted},
	}
	require.NoError(t, store.Update(ctx, func(tx Tx) error {
		for _, vm := range vms {
			if err := tx.CreateVM(vm); err != nil {
				return err
			}
		}
		return nil
	}))

	tests := []struct {
		name   string
		filter VMFilter
		want   []int
	}{
		{"default hides deleted", VMFilter{}, []int{200, 201, 202}},
		{"include deleted", VMFilter{IncludeDeleted: true}, []int{200, 201, 202, 203}},
		{"for user", ForUser(1), []int{200}},
		{"by status", WithStatus(types.VMStatusStopped, types.VMStatusFailed), []int{201, 202}},
		{"deleted by status", WithStatus(types.VMStatusDeleted), []int{203}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			require.NoError(t, store.View(ctx, func(tx Tx) error {
				list, err := tx.ListVMs(tt.filter)
				for _, vm := range list {
					got = append(got, vm.VMID)
				}
				return err
			}))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActiveSSHKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)

	err := store.Update(ctx, func(tx Tx) error {
		if err := tx.CreateSSHKey(&types.SSHKey{Name: "old", Fingerprint: "fp1", Active: true, CreatedAt: now.Add(-2 * time.Hour)}); err != nil {
			return err
		}
		return tx.CreateSSHKey(&types.SSHKey{Name: "dup", Fingerprint: "fp1", Active: true})
	})
	assert.True(t, errdefs.IsAlreadyExists(err))

	// the failed duplicate rolled the whole transaction back
	err = store.View(ctx, func(tx Tx) error {
		_, err := tx.ActiveSSHKey(now)
		return err
	})
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, store.Update(ctx, func(tx Tx) error {
		if err := tx.CreateSSHKey(&types.SSHKey{Name: "old", Fingerprint: "fp1", Active: true, CreatedAt: now.Add(-2 * time.Hour)}); err != nil {
			return err
		}
		return tx.CreateSSHKey(&types.SSHKey{Name: "expired", Fingerprint: "fp2", Active: true, CreatedAt: now, ExpiresAt: &past})
	}))

	var key *types.SSHKey
	require.NoError(t, store.View(ctx, func(tx Tx) error {
		var err error
		key, err = tx.ActiveSSHKey(now)
		return err
	}))
	assert.Equal(t, "old", key.Name)

	require.NoError(t, store.Update(ctx, func(tx Tx) error { return tx.SetSSHKeyActive("old", false) }))
	err = store.View(ctx, func(tx Tx) error {
		_, err := tx.ActiveSSHKey(now)
		return err
	})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAuditNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx Tx) error {
		for i, action := range []string{"vm.created", "vm.started", "vm.stopped"} {
			if err := tx.AppendAudit(&types.AuditEntry{ID: action, UserID: uint64(i%2 + 1), Action: action, Status: "success"}); err != nil {
				return err
			}
		}
		return nil
	}))

	var all, user1 []*types.AuditEntry
	require.NoError(t, store.View(ctx, func(tx Tx) error {
		var err error
		if all, err = tx.ListAudit(0, 2); err != nil {
			return err
		}
		user1, err = tx.ListAudit(1, 0)
		return err
	}))

	require.Len(t, all, 2)
	assert.Equal(t, "vm.stopped", all[0].Action)
	assert.Equal(t, "vm.started", all[1].Action)

	require.Len(t, user1, 2)
	assert.Equal(t, "vm.stopped", user1[0].Action)
	assert.Equal(t, "vm.created", user1[1].Action)
}

func TestUpdateCancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Update(ctx, func(tx Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
