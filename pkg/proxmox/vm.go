package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// CloneRequest describes a full clone of a template VM
type CloneRequest struct {
	SourceNode   string
	TemplateVMID int
	NewVMID      int
	Name         string
	TargetNode   string
	Storage      string
}

// CloudInit is the guest configuration applied before first boot
type CloudInit struct {
	Name       string
	IPConfig   string // ip=192.168.100.20/24,gw=192.168.100.1
	User       string
	SSHKeys    []string
	Nameserver string
}

// IPConfig formats a static cloud-init ipconfig0 value
func IPConfig(addr string, prefix int, gateway string) string {
	return fmt.Sprintf("ip=%s/%d,gw=%s", addr, prefix, gateway)
}

// VMStatus is the live state of a VM
type VMStatus struct {
	Status    string  `json:"status"` // running or stopped
	QMPStatus string  `json:"qmpstatus,omitempty"`
	Name      string  `json:"name,omitempty"`
	Uptime    int64   `json:"uptime,omitempty"`
	CPU       float64 `json:"cpu,omitempty"`
}

// VNCTicket grants access to a VM console
type VNCTicket struct {
	Port   flexInt `json:"port"`
	Ticket string  `json:"ticket"`
	User   string  `json:"user,omitempty"`
	Cert   string  `json:"cert,omitempty"`
}

// flexInt accepts both JSON numbers and numeric strings; Proxmox uses
// either depending on the endpoint and version.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", b, err)
	}
	*f = flexInt(v)
	return nil
}

func (f flexInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(f))
}

func qemuPath(node string, vmid int, suffix string) string {
	return fmt.Sprintf("/nodes/%s/qemu/%d%s", url.PathEscape(node), vmid, suffix)
}

// post enqueues a task and returns its UPID
func (c *Client) post(ctx context.Context, path string, form url.Values) (string, error) {
	var upid string
	if err := c.do(ctx, "POST", path, form, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// Clone creates NewVMID as a full clone of the template and waits for the
// clone task to finish
func (c *Client) Clone(ctx context.Context, req CloneRequest) error {
	form := url.Values{}
	form.Set("newid", strconv.Itoa(req.NewVMID))
	form.Set("name", req.Name)
	form.Set("full", "1")
	if req.TargetNode != "" {
		form.Set("target", req.TargetNode)
	}
	if req.Storage != "" {
		form.Set("storage", req.Storage)
	}

	c.logger.Info().
		Int("template", req.TemplateVMID).
		Int("vmid", req.NewVMID).
		Str("target", req.TargetNode).
		Msg("Cloning template")

	return c.runTask(ctx, "clone", req.SourceNode, req.NewVMID, c.timeouts.Clone, "", func(ctx context.Context) (string, error) {
		return c.post(ctx, qemuPath(req.SourceNode, req.TemplateVMID, "/clone"), form)
	})
}

// Configure applies cloud-init settings to a stopped VM
func (c *Client) Configure(ctx context.Context, node string, vmid int, ci CloudInit) error {
	form := url.Values{}
	if ci.Name != "" {
		form.Set("name", ci.Name)
	}
	if ci.IPConfig != "" {
		form.Set("ipconfig0", ci.IPConfig)
	}
	if ci.User != "" {
		form.Set("ciuser", ci.User)
	}
	if ci.Nameserver != "" {
		form.Set("nameserver", ci.Nameserver)
	}
	if len(ci.SSHKeys) > 0 {
		form.Set("sshkeys", encodeSSHKeys(ci.SSHKeys))
	}

	return c.runTask(ctx, "configure", node, vmid, c.timeouts.Config, "", func(ctx context.Context) (string, error) {
		return c.post(ctx, qemuPath(node, vmid, "/config"), form)
	})
}

// encodeSSHKeys percent-encodes the key list. The sshkeys parameter is
// decoded twice by Proxmox, so it must be encoded before form encoding.
func encodeSSHKeys(keys []string) string {
	joined := strings.Join(keys, "\n")
	return strings.ReplaceAll(url.QueryEscape(joined), "+", "%20")
}

// Start powers on the VM and waits until it reports running
func (c *Client) Start(ctx context.Context, node string, vmid int) error {
	return c.runTask(ctx, "start", node, vmid, c.timeouts.Start, "running", func(ctx context.Context) (string, error) {
		return c.post(ctx, qemuPath(node, vmid, "/status/start"), nil)
	})
}

// Shutdown asks the guest to power off and waits until it reports stopped
func (c *Client) Shutdown(ctx context.Context, node string, vmid int) error {
	form := url.Values{}
	form.Set("forceStop", "1")
	form.Set("timeout", strconv.Itoa(int(c.timeouts.Stop.Seconds())))
	return c.runTask(ctx, "shutdown", node, vmid, c.timeouts.Stop, "stopped", func(ctx context.Context) (string, error) {
		return c.post(ctx, qemuPath(node, vmid, "/status/shutdown"), form)
	})
}

// Stop powers off the VM immediately and waits until it reports stopped
func (c *Client) Stop(ctx context.Context, node string, vmid int) error {
	return c.runTask(ctx, "stop", node, vmid, c.timeouts.Stop, "stopped", func(ctx context.Context) (string, error) {
		return c.post(ctx, qemuPath(node, vmid, "/status/stop"), nil)
	})
}

// Reboot restarts the guest and waits until it reports running again
func (c *Client) Reboot(ctx context.Context, node string, vmid int) error {
	return c.runTask(ctx, "reboot", node, vmid, c.timeouts.Reboot, "running", func(ctx context.Context) (string, error) {
		return c.post(ctx, qemuPath(node, vmid, "/status/reboot"), nil)
	})
}

// Destroy stops the VM if needed and deletes it with its disks
func (c *Client) Destroy(ctx context.Context, node string, vmid int) error {
	st, err := c.Status(ctx, node, vmid)
	if err != nil {
		return wrapVerb("destroy", node, vmid, err)
	}
	if st.Status == "running" {
		if err := c.Stop(ctx, node, vmid); err != nil {
			return err
		}
	}

	form := url.Values{}
	form.Set("purge", "1")
	form.Set("destroy-unreferenced-disks", "1")
	return c.runTask(ctx, "destroy", node, vmid, c.timeouts.Destroy, "", func(ctx context.Context) (string, error) {
		var upid string
		err := c.do(ctx, "DELETE", qemuPath(node, vmid, ""), form, &upid)
		return upid, err
	})
}

// Status returns the live power state of the VM
func (c *Client) Status(ctx context.Context, node string, vmid int) (*VMStatus, error) {
	var st VMStatus
	if err := c.do(ctx, "GET", qemuPath(node, vmid, "/status/current"), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// VNCProxy opens a console proxy and returns its ticket
func (c *Client) VNCProxy(ctx context.Context, node string, vmid int) (*VNCTicket, error) {
	form := url.Values{}
	form.Set("websocket", "1")
	var t VNCTicket
	if err := c.do(ctx, "POST", qemuPath(node, vmid, "/vncproxy"), form, &t); err != nil {
		return nil, wrapVerb("vncproxy", node, vmid, err)
	}
	return &t, nil
}
