/*
Package storage is the transactional record store behind labvm: VM records,
the IP pool, the VMID sequence, SSH keys and the audit log.

Two backends implement Store:

  - BoltStore keeps everything in a single bbolt file (labvm.db under the
    data directory). It is the default and needs no external service.
  - SQLStore keeps the same records in Postgres through gorm. Use it when
    the records must outlive the host or be shared with other tools.

Open picks one from the store section of the configuration.

# Transactions

All mutations go through Update, which runs a function against a Tx and
commits only when the function returns nil:

	err := store.Update(ctx, func(tx storage.Tx) error {
		vm, err := tx.LockVM(id)
		if err != nil {
			return err
		}
		vm.Status = types.VMStatusStopped
		return tx.UpdateVM(vm)
	})

The Lock*, Claim* and NextVMID methods lock what they return until the
transaction ends. In Postgres this is SELECT ... FOR UPDATE, and
ClaimFreeIP adds SKIP LOCKED so concurrent claims never wait on each other.
bbolt allows a single writer, which makes every Update exclusive and gives
the same guarantees.

These locks are what keep admission honest: checking for an active VM,
claiming an address and allocating a VMID happen in one transaction, so two
requests can never hold the same address or VMID and a user can never get a
second active VM.

# Bolt layout

	vms       record id (uint64 big endian) → JSON VM
	ips       address                       → JSON AllocatedIP
	ssh_keys  name                          → JSON SSHKey
	audit     sequence (uint64 big endian)  → JSON AuditEntry
	meta      vmid_next                     → uint64 big endian

Lookups by user or status scan the vms bucket. The number of records is
bounded by the number of users, so no secondary indexes are kept.

# Errors

Missing records are errdefs.ErrNotFound and unique violations are
errdefs.ErrAlreadyExists for both backends. An exhausted pool is
errdefs.ErrResourceExhausted.

# UpdatedAt

Callers own UpdatedAt. UpdateVM writes the value it is given and only
stamps the current time when the field is zero.
*/
package storage
