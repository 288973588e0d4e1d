package proxmox

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/labvm/pkg/types"
)

// NodeStatus is the utilization report of one cluster node
type NodeStatus struct {
	CPU    float64 `json:"cpu"` // fraction of all cores, 0..1
	Uptime int64   `json:"uptime"`
	Memory struct {
		Used  uint64 `json:"used"`
		Total uint64 `json:"total"`
		Free  uint64 `json:"free"`
	} `json:"memory"`
}

// Load converts the report into a NodeLoad snapshot
func (s *NodeStatus) Load(node string, at time.Time) types.NodeLoad {
	mem := 0.0
	if s.Memory.Total > 0 {
		mem = float64(s.Memory.Used) / float64(s.Memory.Total) * 100
	}
	return types.NodeLoad{
		Node:          node,
		Online:        true,
		CPUPercent:    s.CPU * 100,
		MemoryPercent: mem,
		SampledAt:     at,
	}
}

// VMSummary is one entry of a node's VM listing
type VMSummary struct {
	VMID   flexInt `json:"vmid"`
	Name   string  `json:"name"`
	Status string  `json:"status"`
}

// StorageStatus reports capacity of a storage on a node, in bytes
type StorageStatus struct {
	Total  uint64 `json:"total"`
	Used   uint64 `json:"used"`
	Avail  uint64 `json:"avail"`
	Active int    `json:"active"`
}

// NodeStatus returns the utilization of node
func (c *Client) NodeStatus(ctx context.Context, node string) (*NodeStatus, error) {
	var st NodeStatus
	if err := c.do(ctx, "GET", fmt.Sprintf("/nodes/%s/status", url.PathEscape(node)), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// NodeLoad polls node and returns its load snapshot
func (c *Client) NodeLoad(ctx context.Context, node string) (types.NodeLoad, error) {
	st, err := c.NodeStatus(ctx, node)
	if err != nil {
		return types.OfflineLoad(node, time.Now()), err
	}
	return st.Load(node, time.Now()), nil
}

// ListNodeVMs returns the VMs present on node, keyed by VMID
func (c *Client) ListNodeVMs(ctx context.Context, node string) (map[int]VMSummary, error) {
	var list []VMSummary
	if err := c.do(ctx, "GET", fmt.Sprintf("/nodes/%s/qemu", url.PathEscape(node)), nil, &list); err != nil {
		return nil, err
	}
	vms := make(map[int]VMSummary, len(list))
	for _, vm := range list {
		vms[int(vm.VMID)] = vm
	}
	return vms, nil
}

// StorageStatus returns the capacity of storage on node
func (c *Client) StorageStatus(ctx context.Context, node, storage string) (*StorageStatus, error) {
	var st StorageStatus
	path := fmt.Sprintf("/nodes/%s/storage/%s/status", url.PathEscape(node), url.PathEscape(storage))
	if err := c.do(ctx, "GET", path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// HAOptions configures an HA resource
type HAOptions struct {
	Group       string
	MaxRestart  int
	MaxRelocate int
}

func haSID(vmid int) string {
	return "vm:" + strconv.Itoa(vmid)
}

// EnableHA registers the VM as an HA resource in state started
func (c *Client) EnableHA(ctx context.Context, vmid int, opts HAOptions) error {
	form := url.Values{}
	form.Set("sid", haSID(vmid))
	form.Set("state", "started")
	if opts.Group != "" {
		form.Set("group", opts.Group)
	}
	form.Set("max_restart", strconv.Itoa(opts.MaxRestart))
	form.Set("max_relocate", strconv.Itoa(opts.MaxRelocate))
	form.Set("comment", "managed by labvm")

	if err := c.do(ctx, "POST", "/cluster/ha/resources", form, nil); err != nil {
		return wrapVerb("enable-ha", "", vmid, err)
	}
	return nil
}

// DisableHA removes the VM's HA resource
func (c *Client) DisableHA(ctx context.Context, vmid int) error {
	if err := c.do(ctx, "DELETE", "/cluster/ha/resources/"+url.PathEscape(haSID(vmid)), nil, nil); err != nil {
		return wrapVerb("disable-ha", "", vmid, err)
	}
	return nil
}
