package manager

import (
	"context"
	"fmt"

	"github.com/cuemby/labvm/pkg/allocator"
	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/events"
	"github.com/cuemby/labvm/pkg/metrics"
	"github.com/cuemby/labvm/pkg/provision"
	"github.com/cuemby/labvm/pkg/proxmox"
	"github.com/cuemby/labvm/pkg/storage"
	"github.com/cuemby/labvm/pkg/types"
)

// Pipeline step names, recorded in errors and failure reasons
const (
	StepAdmission = "admission"
	StepStorage   = "storage"
	StepAllocate  = "allocate"
	StepClone     = "clone"
	StepConfigure = "configure"
	StepStart     = "start"
	StepProvision = "provision"
	StepReady     = "ready"
)

const gib = 1 << 30

// CreateVM provisions a new VM for userID. Each step runs only after the
// previous one is confirmed. A failure after allocation leaves the record
// in state Failed for the janitor to clean up.
func (m *Manager) CreateVM(ctx context.Context, userID uint64) (vm *types.VM, err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.OperationDuration, "create")
		metrics.RecordOperation("create", err)
	}()

	logger := m.logger.With().Uint64("user_id", userID).Logger()

	if err := m.admit(ctx, userID); err != nil {
		return nil, &errdefs.Error{Kind: errdefs.KindOf(err), Op: "create", Step: StepAdmission, Err: err}
	}

	node := m.selector.SelectBestNode(ctx)

	if err := m.checkStorage(ctx, node); err != nil {
		return nil, &errdefs.Error{Kind: errdefs.KindOf(err), Op: "create", Node: node, Step: StepStorage, Err: err}
	}

	vm, err = m.alloc.Reserve(ctx, allocator.ReserveRequest{
		UserID:     userID,
		Node:       node,
		NamePrefix: m.cfg.VM.NamePrefix,
		Now:        m.now(),
	})
	if err != nil {
		return nil, &errdefs.Error{Kind: errdefs.KindOf(err), Op: "create", Node: node, Step: StepAllocate, Err: err}
	}

	unlock := m.locks.Lock(vm.ID)
	defer unlock()

	logger = logger.With().Int("vmid", vm.VMID).Str("node", node).Str("ip", vm.IPAddress).Logger()
	logger.Info().Msg("Provisioning VM")

	steps := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{StepClone, func(ctx context.Context) error { return m.clone(ctx, vm.VMID, vm.Name, node) }},
		{StepConfigure, func(ctx context.Context) error { return m.configure(ctx, node, vm.VMID, vm.Name, vm.IPAddress) }},
		{StepStart, func(ctx context.Context) error {
			if err := m.hv.Start(ctx, node, vm.VMID); err != nil {
				return err
			}
			updated, err := m.commit(ctx, vm.ID, func(v *types.VM) error {
				v.Status = types.VMStatusProvisioning
				return nil
			})
			if err != nil {
				return err
			}
			vm = updated
			return nil
		}},
		{StepProvision, func(ctx context.Context) error {
			return m.tool.Provision(ctx, provision.Target{Address: vm.IPAddress, Hostname: vm.Name})
		}},
		{StepReady, func(ctx context.Context) error {
			now := m.now()
			updated, err := m.commit(ctx, vm.ID, func(v *types.VM) error {
				v.Status = types.VMStatusReady
				v.RuntimeExpiresAt = timePtr(now.Add(m.cfg.VM.DefaultRuntime))
				v.LastActiveAt = timePtr(now)
				v.FailureReason = ""
				return nil
			})
			if err != nil {
				return err
			}
			vm = updated
			return nil
		}},
	}

	for _, step := range steps {
		logger.Debug().Str("step", step.name).Msg("Running step")
		if err := step.run(ctx); err != nil {
			return vm, m.fail(ctx, vm, step.name, err)
		}
	}

	m.enableHA(ctx, vm)

	logger.Info().Msg("VM ready")
	m.publish(events.EventVMCreated, vm, "ready", nil)
	return vm, nil
}

// admit is a read-only precheck; Reserve repeats it inside its transaction
func (m *Manager) admit(ctx context.Context, userID uint64) error {
	return m.store.View(ctx, func(tx storage.Tx) error {
		existing, err := tx.ActiveVMForUser(userID)
		if err == nil {
			return fmt.Errorf("user %d already holds vm %d: %w", userID, existing.VMID, errdefs.ErrAlreadyExists)
		}
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// checkStorage verifies the target storage can hold one more VM disk set
func (m *Manager) checkStorage(ctx context.Context, node string) error {
	pool := m.cfg.Proxmox.Storage
	if pool == "" {
		return nil
	}
	st, err := m.hv.StorageStatus(ctx, node, pool)
	if err != nil {
		return err
	}
	need := uint64(m.cfg.VM.DiskGB+m.cfg.VM.CloudInitDiskGB+m.cfg.VM.ReserveGB) * gib
	if st.Avail < need {
		return fmt.Errorf("storage %s on %s has %d GiB free, need %d GiB: %w",
			pool, node, st.Avail/gib, need/gib, errdefs.ErrResourceExhausted)
	}
	return nil
}

func (m *Manager) clone(ctx context.Context, vmid int, name, node string) error {
	return m.hv.Clone(ctx, proxmox.CloneRequest{
		SourceNode:   m.cfg.Proxmox.TemplateNode,
		TemplateVMID: m.cfg.Proxmox.TemplateVMID,
		NewVMID:      vmid,
		Name:         name,
		TargetNode:   node,
		Storage:      m.cfg.Proxmox.Storage,
	})
}

// configure applies the network plan and the active SSH key
func (m *Manager) configure(ctx context.Context, node string, vmid int, name, address string) error {
	ci := proxmox.CloudInit{
		Name:       name,
		IPConfig:   proxmox.IPConfig(address, m.cfg.Network.PrefixLength(), m.cfg.Network.Gateway),
		User:       m.cfg.VM.CIUser,
		Nameserver: m.cfg.Network.Nameserver,
	}

	var key *types.SSHKey
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		key, err = tx.ActiveSSHKey(m.now())
		return err
	})
	switch {
	case err == nil:
		ci.SSHKeys = []string{key.PublicKey}
	case errdefs.IsNotFound(err):
		m.logger.Warn().Int("vmid", vmid).Msg("No active SSH key, configuring VM without one")
	default:
		return err
	}

	return m.hv.Configure(ctx, node, vmid, ci)
}

// fail marks the record Failed and builds the error returned by CreateVM
func (m *Manager) fail(ctx context.Context, vm *types.VM, step string, cause error) error {
	logger := m.logger.With().Int("vmid", vm.VMID).Str("node", vm.Node).Str("step", step).Logger()
	logger.Error().Err(cause).Msg("Provisioning failed")

	bctx, cancel := detached(ctx)
	defer cancel()
	reason := fmt.Sprintf("%s: %v", step, cause)
	if _, err := m.commit(bctx, vm.ID, func(v *types.VM) error {
		v.Status = types.VMStatusFailed
		v.FailureReason = reason
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to record provisioning failure")
	} else {
		vm.Status = types.VMStatusFailed
		vm.FailureReason = reason
	}

	m.publish(events.EventVMFailed, vm, step, cause)
	return &errdefs.Error{
		Kind: errdefs.ErrProvisioningFailed,
		Op:   "create",
		VMID: vm.VMID,
		Node: vm.Node,
		Step: step,
		Err:  cause,
	}
}

// enableHA registers the VM as an HA resource. Failure is logged only.
func (m *Manager) enableHA(ctx context.Context, vm *types.VM) {
	ha := m.cfg.Proxmox.HA
	if !ha.Enabled {
		return
	}
	err := m.hv.EnableHA(ctx, vm.VMID, proxmox.HAOptions{
		Group:       ha.Group,
		MaxRestart:  ha.MaxRestart,
		MaxRelocate: ha.MaxRelocate,
	})
	if err != nil {
		m.logger.Warn().Err(err).Int("vmid", vm.VMID).Msg("Failed to enable HA")
	}
}

// disableHA removes the VM's HA resource. Failure is logged only.
func (m *Manager) disableHA(ctx context.Context, vmid int) {
	if !m.cfg.Proxmox.HA.Enabled {
		return
	}
	if err := m.hv.DisableHA(ctx, vmid); err != nil {
		m.logger.Debug().Err(err).Int("vmid", vmid).Msg("Failed to disable HA")
	}
}
