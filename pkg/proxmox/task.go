package proxmox

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/metrics"
)

// TaskStatus is the state of an asynchronous Proxmox task
type TaskStatus struct {
	Status     string `json:"status"` // running or stopped
	ExitStatus string `json:"exitstatus,omitempty"`
	Type       string `json:"type,omitempty"`
	UPID       string `json:"upid,omitempty"`
}

// Succeeded reports a stopped task with exit status OK
func (s TaskStatus) Succeeded() bool {
	return s.Status == "stopped" && s.ExitStatus == "OK"
}

// TaskStatus fetches the status of task upid on node
func (c *Client) TaskStatus(ctx context.Context, node, upid string) (*TaskStatus, error) {
	var st TaskStatus
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))
	if err := c.do(ctx, "GET", path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// poll calls check immediately and then every poll interval until it
// reports done, returns an error, or timeout elapses. Elapsing the bound is
// ErrTimeout; cancellation of ctx is returned as is.
func (c *Client) poll(ctx context.Context, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		done, err := check(waitCtx)
		if done {
			return nil
		}
		if err != nil && waitCtx.Err() == nil {
			return err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("no result within %v: %w", timeout, errdefs.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// awaitTask blocks until upid reaches a terminal state. A task that stops
// with any exit status other than OK is ErrRemoteRejected.
func (c *Client) awaitTask(ctx context.Context, verb, node, upid string, timeout time.Duration) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskWaitDuration, verb)

	err := c.poll(ctx, timeout, func(ctx context.Context) (bool, error) {
		st, err := c.TaskStatus(ctx, node, upid)
		if err != nil {
			return false, err
		}
		if st.Status != "stopped" {
			return false, nil
		}
		if !st.Succeeded() {
			return false, fmt.Errorf("task %s exited with %q: %w", upid, st.ExitStatus, errdefs.ErrRemoteRejected)
		}
		return true, nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("verb", verb).Str("node", node).Str("upid", upid).Msg("Task did not complete")
	}
	return err
}

// awaitStatus blocks until the VM reports the wanted power state
func (c *Client) awaitStatus(ctx context.Context, node string, vmid int, want string, timeout time.Duration) error {
	return c.poll(ctx, timeout, func(ctx context.Context) (bool, error) {
		st, err := c.Status(ctx, node, vmid)
		if err != nil {
			return false, err
		}
		return st.Status == want, nil
	})
}

// runTask enqueues a task with enqueue and waits for it; when wantStatus is
// set, it then waits for the VM to reach that power state. Both waits share
// one deadline.
func (c *Client) runTask(ctx context.Context, verb, node string, vmid int, timeout time.Duration, wantStatus string, enqueue func(ctx context.Context) (string, error)) error {
	deadline := time.Now().Add(timeout)

	upid, err := enqueue(ctx)
	if err != nil {
		return wrapVerb(verb, node, vmid, err)
	}
	if upid != "" {
		if err := c.awaitTask(ctx, verb, node, upid, time.Until(deadline)); err != nil {
			return wrapVerb(verb, node, vmid, err)
		}
	}
	if wantStatus != "" {
		if err := c.awaitStatus(ctx, node, vmid, wantStatus, time.Until(deadline)); err != nil {
			return wrapVerb(verb, node, vmid, err)
		}
	}
	return nil
}

func wrapVerb(verb, node string, vmid int, err error) error {
	return &errdefs.Error{Kind: errdefs.KindOf(err), Op: verb, VMID: vmid, Node: node, Err: err}
}
