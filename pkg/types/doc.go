/*
Package types defines the labvm data model shared by every other package:
VM records, pool addresses, the VMID sequence, SSH keys, audit entries and
node load snapshots.

The structs carry both JSON and gorm tags. The same values are stored as
JSON documents in bbolt and as rows in Postgres.

# VM states

	created ──► provisioning ──► ready ──► running ◄──► stopped
	   │              │                       │            │
	   └──────────────┴──► failed             └────────────┴──► deleted

A user may hold at most one record that is not deleted. Deleted records are
kept for auditing and are never reused; a new request gets a new record,
VMID and address.
*/
package types
