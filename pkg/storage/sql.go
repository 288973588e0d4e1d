package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const sequenceRowID = 1

// SQLStore implements Store on PostgreSQL through gorm. Update transactions
// take row locks with SELECT ... FOR UPDATE, so several labvm processes can
// share one database.
type SQLStore struct {
	db *gorm.DB
}

// gormWriter routes gorm's logger into zerolog
type gormWriter struct {
	logger zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.logger.Debug().Msgf(format, args...)
}

// NewSQLStore connects to dsn and configures the connection pool
func NewSQLStore(dsn string) (*SQLStore, error) {
	gormLogger := logger.New(gormWriter{logger: log.WithComponent("gorm")}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newSQLStore(db)
}

func newSQLStore(db *gorm.DB) (*SQLStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &SQLStore{db: db}, nil
}

// Migrate creates or updates the schema
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&types.VM{},
		&types.AllocatedIP{},
		&types.VMIDSequence{},
		&types.SSHKey{},
		&types.AuditEntry{},
	)
}

// Close closes the underlying connection pool
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Update runs fn in a database transaction
func (s *SQLStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&sqlTx{db: gtx, locking: true})
	})
}

// View runs fn without a transaction and without row locks
func (s *SQLStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return fn(&sqlTx{db: s.db.WithContext(ctx)})
}

type sqlTx struct {
	db      *gorm.DB
	locking bool
}

func (t *sqlTx) forUpdate() *gorm.DB {
	if !t.locking {
		return t.db
	}
	return t.db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, errdefs.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, errdefs.ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// VMID sequence

func (t *sqlTx) NextVMID(start int) (int, error) {
	var seq types.VMIDSequence
	err := t.forUpdate().Where("id = ?", sequenceRowID).Take(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		seed := types.VMIDSequence{ID: sequenceRowID, Next: start}
		if err := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return 0, translate(err, "seed vmid sequence")
		}
		err = t.forUpdate().Where("id = ?", sequenceRowID).Take(&seq).Error
	}
	if err != nil {
		return 0, translate(err, "lock vmid sequence")
	}

	vmid := seq.Next
	if err := t.db.Model(&seq).Update("next", vmid+1).Error; err != nil {
		return 0, translate(err, "advance vmid sequence")
	}
	return vmid, nil
}

// IP pool

func (t *sqlTx) AddIP(ip *types.AllocatedIP) (bool, error) {
	res := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(ip)
	if res.Error != nil {
		return false, translate(res.Error, "add ip "+ip.Address)
	}
	return res.RowsAffected == 1, nil
}

func (t *sqlTx) ClaimFreeIP() (*types.AllocatedIP, error) {
	q := t.db
	if t.locking {
		q = q.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: clause.LockingOptionsSkipLocked})
	}
	var ip types.AllocatedIP
	err := q.Where("status = ?", types.IPStatusFree).Take(&ip).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no free IP address in pool: %w", errdefs.ErrResourceExhausted)
	}
	if err != nil {
		return nil, translate(err, "claim free ip")
	}
	return &ip, nil
}

func (t *sqlTx) LockIP(address string) (*types.AllocatedIP, error) {
	var ip types.AllocatedIP
	if err := t.forUpdate().Where("address = ?", address).Take(&ip).Error; err != nil {
		return nil, translate(err, "ip "+address)
	}
	return &ip, nil
}

func (t *sqlTx) UpdateIP(ip *types.AllocatedIP) error {
	res := t.db.Model(ip).Select("*").Updates(ip)
	if res.Error != nil {
		return translate(res.Error, "update ip "+ip.Address)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ip %s: %w", ip.Address, errdefs.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) ListIPs() ([]*types.AllocatedIP, error) {
	var ips []*types.AllocatedIP
	err := t.db.Order("address").Find(&ips).Error
	return ips, translate(err, "list ips")
}

// VMs

func (t *sqlTx) CreateVM(vm *types.VM) error {
	return translate(t.db.Create(vm).Error, fmt.Sprintf("create vm %d", vm.VMID))
}

func (t *sqlTx) GetVM(id uint64) (*types.VM, error) {
	var vm types.VM
	if err := t.db.Take(&vm, id).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("vm %d", id))
	}
	return &vm, nil
}

func (t *sqlTx) LockVM(id uint64) (*types.VM, error) {
	var vm types.VM
	if err := t.forUpdate().Take(&vm, id).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("vm %d", id))
	}
	return &vm, nil
}

// UpdateVM writes every column. UpdatedAt is written as given.
func (t *sqlTx) UpdateVM(vm *types.VM) error {
	if vm.UpdatedAt.IsZero() {
		vm.UpdatedAt = time.Now().UTC()
	}
	res := t.db.Model(vm).Select("*").UpdateColumns(vm)
	if res.Error != nil {
		return translate(res.Error, fmt.Sprintf("update vm %d", vm.ID))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("vm %d: %w", vm.ID, errdefs.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) ActiveVMForUser(userID uint64) (*types.VM, error) {
	var vm types.VM
	err := t.forUpdate().
		Where("user_id = ? AND status <> ?", userID, types.VMStatusDeleted).
		Take(&vm).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("active vm for user %d", userID))
	}
	return &vm, nil
}

func (t *sqlTx) ListVMs(filter VMFilter) ([]*types.VM, error) {
	q := t.db.Model(&types.VM{})
	if filter.UserID != nil {
		q = q.Where("user_id = ?", *filter.UserID)
	}
	switch {
	case len(filter.Statuses) > 0:
		q = q.Where("status IN ?", filter.Statuses)
	case !filter.IncludeDeleted:
		q = q.Where("status <> ?", types.VMStatusDeleted)
	}

	var vms []*types.VM
	err := q.Order("id").Find(&vms).Error
	return vms, translate(err, "list vms")
}

// SSH keys

func (t *sqlTx) CreateSSHKey(key *types.SSHKey) error {
	return translate(t.db.Create(key).Error, fmt.Sprintf("ssh key %q", key.Name))
}

func (t *sqlTx) ListSSHKeys() ([]*types.SSHKey, error) {
	var keys []*types.SSHKey
	err := t.db.Order("created_at DESC").Find(&keys).Error
	return keys, translate(err, "list ssh keys")
}

func (t *sqlTx) ActiveSSHKey(now time.Time) (*types.SSHKey, error) {
	var key types.SSHKey
	err := t.db.
		Where("active = ? AND (expires_at IS NULL OR expires_at > ?)", true, now).
		Order("created_at DESC").
		Take(&key).Error
	if err != nil {
		return nil, translate(err, "active ssh key")
	}
	return &key, nil
}

func (t *sqlTx) SetSSHKeyActive(name string, active bool) error {
	res := t.db.Model(&types.SSHKey{}).Where("name = ?", name).Update("active", active)
	if res.Error != nil {
		return translate(res.Error, fmt.Sprintf("ssh key %q", name))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ssh key %q: %w", name, errdefs.ErrNotFound)
	}
	return nil
}

// Audit log

func (t *sqlTx) AppendAudit(entry *types.AuditEntry) error {
	return translate(t.db.Create(entry).Error, "append audit entry")
}

func (t *sqlTx) ListAudit(userID uint64, limit int) ([]*types.AuditEntry, error) {
	q := t.db.Order("timestamp DESC")
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []*types.AuditEntry
	err := q.Find(&entries).Error
	return entries, translate(err, "list audit")
}
