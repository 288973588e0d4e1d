/*
Package reconciler keeps the record store honest about what the cluster is
actually doing, and cleans up what nobody else will.

# Reconciler

Proxmox HA can move a VM to another node, and users can shut a VM down from
inside the guest. Neither is reported to labvm. Every reconcile.interval
(30s by default) the Reconciler walks the records in states running,
stopped, created and ready and, for each one:

 1. Looks the VMID up on the recorded node first, then on the other nodes.
    Each node is listed at most once per cycle and the other nodes are
    listed concurrently.
 2. If it is found on another node, the record's node is updated, a
    vm.migrated event is published and a migration alert is sent through
    the Notifier.
 3. If reconcile.sync_status is set, the record's status follows the
    remote one: a running VM that is stopped remotely becomes stopped, and a
    stopped VM that is running remotely becomes running with a fresh
    runtime window.
 4. If it is found nowhere and every node answered, the VM is reported
    lost once. Lost VMs are left for an operator; the record is not
    changed. A VM that is missing while some node failed to answer is an
    error for this cycle, not lost.

Records are written only when something changed, so a quiet cluster costs
no writes. VMs held by an in-flight lifecycle operation are skipped for the
cycle.

# Janitor

The Janitor runs every janitor.interval (5m) and performs four sweeps:

	failed      records failed for longer than failed_grace are reaped
	expired     running VMs past their runtime window are shut down
	inactive    VMs unused for inactive_after (14 days) are reaped
	orphan_ip   allocated addresses without a live owner are freed

Reaping destroys the remote VM best-effort, marks the record deleted and
frees its address. Busy VMs are counted and retried on the next sweep.
*/
package reconciler
