package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/storage"
	"github.com/cuemby/labvm/pkg/storage/storagetest"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresAllocator(t *testing.T) (*Allocator, storage.Store) {
	t.Helper()
	log.Disable()
	store := storagetest.Postgres(t)
	return New(store, 200), store
}

func TestReserveConcurrentPostgres(t *testing.T) {
	a, _ := newPostgresAllocator(t)
	checkReserveConcurrent(t, a)
}

func TestReserveSameUserRacePostgres(t *testing.T) {
	a, _ := newPostgresAllocator(t)
	checkReserveSameUserRace(t, a)
}

func TestReleaseReturnsAddressPostgres(t *testing.T) {
	a, store := newPostgresAllocator(t)
	ctx := context.Background()
	now := time.Now()

	_, err := a.SeedRange(ctx, "10.4.0.1", "10.4.0.1")
	require.NoError(t, err)
	vm, err := a.Reserve(ctx, ReserveRequest{UserID: 1, Node: "pve1", Now: now})
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		return Release(tx, vm.IPAddress, now)
	}))

	var ip *types.AllocatedIP
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		var err error
		ip, err = tx.LockIP(vm.IPAddress)
		return err
	}))
	assert.Equal(t, types.IPStatusFree, ip.Status)
	assert.Nil(t, ip.VMRecordID)
}
