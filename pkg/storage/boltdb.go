package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketVMs     = []byte("vms")
	bucketIPs     = []byte("ips")
	bucketSSHKeys = []byte("ssh_keys")
	bucketAudit   = []byte("audit")
	bucketMeta    = []byte("meta")

	keyVMIDNext = []byte("vmid_next")
)

// BoltStore implements Store on a single BoltDB file. bbolt allows one
// read-write transaction at a time, so every Update is exclusive over the
// whole database and row locks come for free.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) labvm.db under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "labvm.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketVMs, bucketIPs, bucketSSHKeys, bucketAudit, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Update runs fn in an exclusive read-write transaction
func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// View runs fn in a read-only transaction
func (s *BoltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (t *boltTx) put(bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucket).Put(key, data)
}

// VMID sequence

func (t *boltTx) NextVMID(start int) (int, error) {
	b := t.tx.Bucket(bucketMeta)
	next := start
	if data := b.Get(keyVMIDNext); data != nil {
		next = int(binary.BigEndian.Uint64(data))
	}
	if err := b.Put(keyVMIDNext, itob(uint64(next+1))); err != nil {
		return 0, err
	}
	return next, nil
}

// IP pool

func (t *boltTx) AddIP(ip *types.AllocatedIP) (bool, error) {
	b := t.tx.Bucket(bucketIPs)
	if b.Get([]byte(ip.Address)) != nil {
		return false, nil
	}
	return true, t.put(bucketIPs, []byte(ip.Address), ip)
}

func (t *boltTx) ClaimFreeIP() (*types.AllocatedIP, error) {
	var found *types.AllocatedIP
	c := t.tx.Bucket(bucketIPs).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var ip types.AllocatedIP
		if err := json.Unmarshal(v, &ip); err != nil {
			return nil, err
		}
		if ip.Status == types.IPStatusFree {
			found = &ip
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no free IP address in pool: %w", errdefs.ErrResourceExhausted)
	}
	return found, nil
}

func (t *boltTx) LockIP(address string) (*types.AllocatedIP, error) {
	data := t.tx.Bucket(bucketIPs).Get([]byte(address))
	if data == nil {
		return nil, fmt.Errorf("ip %s: %w", address, errdefs.ErrNotFound)
	}
	var ip types.AllocatedIP
	if err := json.Unmarshal(data, &ip); err != nil {
		return nil, err
	}
	return &ip, nil
}

func (t *boltTx) UpdateIP(ip *types.AllocatedIP) error {
	if t.tx.Bucket(bucketIPs).Get([]byte(ip.Address)) == nil {
		return fmt.Errorf("ip %s: %w", ip.Address, errdefs.ErrNotFound)
	}
	return t.put(bucketIPs, []byte(ip.Address), ip)
}

func (t *boltTx) ListIPs() ([]*types.AllocatedIP, error) {
	var ips []*types.AllocatedIP
	err := t.tx.Bucket(bucketIPs).ForEach(func(k, v []byte) error {
		var ip types.AllocatedIP
		if err := json.Unmarshal(v, &ip); err != nil {
			return err
		}
		ips = append(ips, &ip)
		return nil
	})
	return ips, err
}

// VMs

func (t *boltTx) eachVM(fn func(vm *types.VM) error) error {
	return t.tx.Bucket(bucketVMs).ForEach(func(k, v []byte) error {
		var vm types.VM
		if err := json.Unmarshal(v, &vm); err != nil {
			return err
		}
		return fn(&vm)
	})
}

// checkUnique enforces the partial unique index on active users and the
// unique index on VMID that the SQL schema declares.
func (t *boltTx) checkUnique(vm *types.VM) error {
	return t.eachVM(func(other *types.VM) error {
		if other.ID == vm.ID {
			return nil
		}
		if other.VMID == vm.VMID {
			return fmt.Errorf("vmid %d already recorded: %w", vm.VMID, errdefs.ErrAlreadyExists)
		}
		if vm.Status != types.VMStatusDeleted && other.Status != types.VMStatusDeleted && other.UserID == vm.UserID {
			return fmt.Errorf("user %d already holds vm %d: %w", vm.UserID, other.ID, errdefs.ErrAlreadyExists)
		}
		return nil
	})
}

func (t *boltTx) CreateVM(vm *types.VM) error {
	if err := t.checkUnique(vm); err != nil {
		return err
	}
	b := t.tx.Bucket(bucketVMs)
	id, err := b.NextSequence()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	vm.ID = id
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = now
	}
	vm.UpdatedAt = now
	return t.put(bucketVMs, itob(vm.ID), vm)
}

func (t *boltTx) GetVM(id uint64) (*types.VM, error) {
	data := t.tx.Bucket(bucketVMs).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("vm %d: %w", id, errdefs.ErrNotFound)
	}
	var vm types.VM
	if err := json.Unmarshal(data, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

func (t *boltTx) LockVM(id uint64) (*types.VM, error) {
	return t.GetVM(id)
}

func (t *boltTx) UpdateVM(vm *types.VM) error {
	if t.tx.Bucket(bucketVMs).Get(itob(vm.ID)) == nil {
		return fmt.Errorf("vm %d: %w", vm.ID, errdefs.ErrNotFound)
	}
	if err := t.checkUnique(vm); err != nil {
		return err
	}
	if vm.UpdatedAt.IsZero() {
		vm.UpdatedAt = time.Now().UTC()
	}
	return t.put(bucketVMs, itob(vm.ID), vm)
}

func (t *boltTx) ActiveVMForUser(userID uint64) (*types.VM, error) {
	var found *types.VM
	err := t.eachVM(func(vm *types.VM) error {
		if found == nil && vm.UserID == userID && vm.Status != types.VMStatusDeleted {
			found = vm
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("active vm for user %d: %w", userID, errdefs.ErrNotFound)
	}
	return found, nil
}

func (t *boltTx) ListVMs(filter VMFilter) ([]*types.VM, error) {
	var vms []*types.VM
	err := t.eachVM(func(vm *types.VM) error {
		if filter.Match(vm) {
			vms = append(vms, vm)
		}
		return nil
	})
	return vms, err
}

// SSH keys

func (t *boltTx) CreateSSHKey(key *types.SSHKey) error {
	b := t.tx.Bucket(bucketSSHKeys)
	if b.Get([]byte(key.Name)) != nil {
		return fmt.Errorf("ssh key %q: %w", key.Name, errdefs.ErrAlreadyExists)
	}
	keys, err := t.ListSSHKeys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.Fingerprint == key.Fingerprint {
			return fmt.Errorf("ssh key fingerprint %s: %w", key.Fingerprint, errdefs.ErrAlreadyExists)
		}
	}
	id, err := b.NextSequence()
	if err != nil {
		return err
	}
	key.ID = id
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	return t.put(bucketSSHKeys, []byte(key.Name), key)
}

func (t *boltTx) ListSSHKeys() ([]*types.SSHKey, error) {
	var keys []*types.SSHKey
	err := t.tx.Bucket(bucketSSHKeys).ForEach(func(k, v []byte) error {
		var key types.SSHKey
		if err := json.Unmarshal(v, &key); err != nil {
			return err
		}
		keys = append(keys, &key)
		return nil
	})
	return keys, err
}

func (t *boltTx) ActiveSSHKey(now time.Time) (*types.SSHKey, error) {
	keys, err := t.ListSSHKeys()
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	for _, k := range keys {
		if k.Usable(now) {
			return k, nil
		}
	}
	return nil, fmt.Errorf("active ssh key: %w", errdefs.ErrNotFound)
}

func (t *boltTx) SetSSHKeyActive(name string, active bool) error {
	data := t.tx.Bucket(bucketSSHKeys).Get([]byte(name))
	if data == nil {
		return fmt.Errorf("ssh key %q: %w", name, errdefs.ErrNotFound)
	}
	var key types.SSHKey
	if err := json.Unmarshal(data, &key); err != nil {
		return err
	}
	key.Active = active
	return t.put(bucketSSHKeys, []byte(name), &key)
}

// Audit log

func (t *boltTx) AppendAudit(entry *types.AuditEntry) error {
	b := t.tx.Bucket(bucketAudit)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	return t.put(bucketAudit, itob(seq), entry)
}

func (t *boltTx) ListAudit(userID uint64, limit int) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	c := t.tx.Bucket(bucketAudit).Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		if limit > 0 && len(entries) >= limit {
			break
		}
		var e types.AuditEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, err
		}
		if userID != 0 && e.UserID != userID {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}
