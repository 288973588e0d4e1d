package proxmox

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode simulates one node with a single VM. Power verbs enqueue a task
// that completes with exitStatus; the VM reaches the target power state
// after settleAfter status polls.
type fakeNode struct {
	mu          sync.Mutex
	power       string
	target      string
	settleAfter int
	polls       int
	exitStatus  string
	taskPolls   int
	calls       []string
}

func newFakeNode(power string) *fakeNode {
	return &fakeNode{power: power, exitStatus: "OK"}
}

func (f *fakeNode) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeNode) enqueue(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.record(r.Method + " " + r.URL.Path)
		f.mu.Lock()
		f.target = target
		f.polls = 0
		f.mu.Unlock()
		writeData(w, "UPID:pve1:0001:task")
	}
}

func (f *fakeNode) state() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.power
}

func (f *fakeNode) setState(power string) {
	f.mu.Lock()
	f.power = power
	f.mu.Unlock()
}

func (f *fakeNode) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api2/json/nodes/pve1/qemu/205/status/start", f.enqueue("running"))
	mux.HandleFunc("POST /api2/json/nodes/pve1/qemu/205/status/stop", f.enqueue("stopped"))
	mux.HandleFunc("POST /api2/json/nodes/pve1/qemu/205/status/shutdown", f.enqueue("stopped"))
	mux.HandleFunc("POST /api2/json/nodes/pve1/qemu/205/status/reboot", f.enqueue("running"))
	mux.HandleFunc("DELETE /api2/json/nodes/pve1/qemu/205", func(w http.ResponseWriter, r *http.Request) {
		f.record(r.Method + " " + r.URL.Path + "?purge=" + r.URL.Query().Get("purge"))
		writeData(w, "UPID:pve1:0002:destroy")
	})
	mux.HandleFunc("GET /api2/json/nodes/pve1/tasks/{upid}/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.taskPolls++
		if f.taskPolls < 2 {
			writeData(w, map[string]string{"status": "running"})
			return
		}
		writeData(w, map[string]string{"status": "stopped", "exitstatus": f.exitStatus})
	})
	mux.HandleFunc("GET /api2/json/nodes/pve1/qemu/205/status/current", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.target != "" && f.settleAfter >= 0 {
			f.polls++
			if f.polls > f.settleAfter {
				f.power = f.target
				f.target = ""
			}
		}
		writeData(w, map[string]string{"status": f.power})
	})
	return mux
}

func TestStartWaitsForRunning(t *testing.T) {
	node := newFakeNode("stopped")
	node.settleAfter = 2
	c := newTestClient(t, node.handler())

	require.NoError(t, c.Start(context.Background(), "pve1", 205))
	assert.Equal(t, "running", node.state())
}

func TestStartStuckIsTimeout(t *testing.T) {
	node := newFakeNode("stopped")
	node.settleAfter = -1 // never settles
	c := newTestClient(t, node.handler())

	err := c.Start(context.Background(), "pve1", 205)
	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err))

	var e *errdefs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "start", e.Op)
	assert.Equal(t, 205, e.VMID)
	assert.Equal(t, "pve1", e.Node)
}

func TestFailedTaskIsRejected(t *testing.T) {
	node := newFakeNode("stopped")
	node.exitStatus = "start failed: storage unavailable"
	c := newTestClient(t, node.handler())

	err := c.Start(context.Background(), "pve1", 205)
	require.Error(t, err)
	assert.True(t, errdefs.IsRemoteRejected(err))
	assert.Contains(t, err.Error(), "storage unavailable")
}

func TestShutdownAndReboot(t *testing.T) {
	node := newFakeNode("running")
	c := newTestClient(t, node.handler())
	ctx := context.Background()

	require.NoError(t, c.Shutdown(ctx, "pve1", 205))
	assert.Equal(t, "stopped", node.state())

	node.setState("running")
	require.NoError(t, c.Reboot(ctx, "pve1", 205))
	assert.Equal(t, "running", node.state())
}

func TestDestroyStopsRunningVM(t *testing.T) {
	node := newFakeNode("running")
	c := newTestClient(t, node.handler())

	require.NoError(t, c.Destroy(context.Background(), "pve1", 205))

	node.mu.Lock()
	defer node.mu.Unlock()
	assert.Equal(t, []string{
		"POST /api2/json/nodes/pve1/qemu/205/status/stop",
		"DELETE /api2/json/nodes/pve1/qemu/205?purge=1",
	}, node.calls)
}

func TestDestroyStoppedVMSkipsStop(t *testing.T) {
	node := newFakeNode("stopped")
	c := newTestClient(t, node.handler())

	require.NoError(t, c.Destroy(context.Background(), "pve1", 205))

	node.mu.Lock()
	defer node.mu.Unlock()
	assert.Equal(t, []string{"DELETE /api2/json/nodes/pve1/qemu/205?purge=1"}, node.calls)
}

func TestTaskStatusSucceeded(t *testing.T) {
	tests := []struct {
		st   TaskStatus
		want bool
	}{
		{TaskStatus{Status: "stopped", ExitStatus: "OK"}, true},
		{TaskStatus{Status: "stopped", ExitStatus: "WARNINGS: 1"}, false},
		{TaskStatus{Status: "running"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.st.Succeeded(), "%+v", tt.st)
	}
}
