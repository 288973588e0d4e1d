/*
Package manager runs the labvm VM lifecycle: the creation pipeline and the
start, stop, reboot, extend, reset, delete and console operations that act
on an existing VM.

The Manager is the only writer of lifecycle state. The HTTP API calls it on
behalf of users and the janitor calls Reap and Expire on its own. The
reconciler writes drift corrections but first takes the same per-VM lock
through TryLockVM.

# Creation pipeline

CreateVM runs these steps in order. A step starts only after the previous
one is confirmed, and remote steps wait for their Proxmox task to finish.

	admission   the user holds no VM that is not deleted
	placement   scheduler picks a node (never fails)
	storage     the node's storage fits disk + cloud-init + reserve
	allocate    one transaction: re-check admission, claim an address,
	            take a VMID, insert the record as created
	clone       full clone of the template onto the chosen node
	configure   cloud-init: hostname, static address, user, SSH key
	start       boot; the record becomes provisioning
	provision   wait for SSH, then run the configuration playbook
	ready       record becomes ready with a runtime window

After ready, the VM is registered with Proxmox HA when enabled. That step is
best effort.

Nothing is written before allocate, so failing there leaves no trace. From
clone on, a failure marks the record failed with a reason of the form
"step: cause" and returns an error of kind ErrProvisioningFailed that names
the step. The address stays with the failed record until the janitor reaps
it; the user can delete it sooner.

# Lifecycle

	StartVM    stopped → running, new window of vm.default_runtime
	StopVM     running/ready → stopped, window cleared
	RebootVM   running/ready, window unchanged
	ExtendVM   running only, 5 to 60 minutes, capped at vm.max_runtime
	ResetVM    rebuild from the template, same address, old VM destroyed
	DeleteVM   any state, remote destroy best effort, address freed
	VNCURL     running/ready, one-time console URL

Every operation checks ownership and returns ErrForbidden for another
user's VM. Operations on one VM are serialized by an in-process keyed
mutex; a janitor action on a busy VM fails fast with ErrConflict instead of
waiting.

Reset builds the replacement VM before touching the original. The original
is shut down only once the replacement is configured, since both carry the
same address, and destroyed only after the replacement is provisioned. If
the replacement fails it is destroyed and the record keeps the original
VMID; an original that was already shut down is recorded as stopped.

# Example

	mgr := manager.New(manager.Deps{
		Config:     cfg,
		Store:      store,
		Allocator:  allocator.New(store, cfg.VM.VMIDStart),
		Hypervisor: client,
		Tool:       provision.New(cfg.Provision),
		Selector:   selector,
		Broker:     broker,
	})

	vm, err := mgr.CreateVM(ctx, userID)
*/
package manager
