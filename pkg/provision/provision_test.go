package provision

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/labvm/pkg/config"
	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listen opens a local TCP port standing in for the guest's sshd
func listen(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// script writes an executable shell script standing in for ansible-playbook
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ansible-playbook")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestRunner(t *testing.T, binary string) *Runner {
	t.Helper()
	log.Disable()
	r := NewRunner(config.ProvisionConfig{
		Binary:         binary,
		Playbook:       "setup-vm.yml",
		User:           "student",
		PrivateKey:     "/keys/id_ed25519",
		SetupTimeout:   2 * time.Second,
		SSHWaitTimeout: time.Second,
	})
	r.SSHPort = listen(t)
	return r
}

func TestArgs(t *testing.T) {
	r := NewRunner(config.ProvisionConfig{Playbook: "setup-vm.yml", User: "student", PrivateKey: "/k"})
	assert.Equal(t, "ansible-playbook", r.Binary)
	assert.Equal(t,
		[]string{"setup-vm.yml", "-i", "192.168.100.20,", "-u", "student", "--private-key", "/k", "-e", "hostname=lab-u1-200"},
		r.Args(Target{Address: "192.168.100.20", Hostname: "lab-u1-200"}))
}

func TestNewSelectsDisabled(t *testing.T) {
	tool := New(config.ProvisionConfig{Enabled: false})
	assert.IsType(t, Disabled{}, tool)
	assert.NoError(t, tool.Provision(context.Background(), Target{Address: "10.0.0.1"}))

	assert.IsType(t, &Runner{}, New(config.ProvisionConfig{Enabled: true}))
}

func TestProvisionSuccess(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args")
	r := newTestRunner(t, script(t, `echo "$@" > `+out))

	require.NoError(t, r.Provision(context.Background(), Target{Address: "127.0.0.1", Hostname: "lab-u1-200"}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "setup-vm.yml -i 127.0.0.1, -u student --private-key /keys/id_ed25519 -e hostname=lab-u1-200", strings.TrimSpace(string(data)))
}

func TestProvisionFailures(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		timeout  time.Duration
		contains string
	}{
		{"non-zero exit", "echo 'fatal: unreachable' >&2; exit 2", 0, "unreachable"},
		{"stdout when stderr empty", "echo 'TASK failed'; exit 4", 0, "TASK failed"},
		{"timeout", "exec sleep 5", 100 * time.Millisecond, "did not finish"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRunner(t, script(t, tt.body))
			if tt.timeout > 0 {
				r.Timeout = tt.timeout
			}

			err := r.Provision(context.Background(), Target{Address: "127.0.0.1"})
			require.Error(t, err)
			assert.ErrorIs(t, err, errdefs.ErrToolFailure)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestWaitForSSH(t *testing.T) {
	log.Disable()
	port := listen(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	assert.NoError(t, WaitForSSH(context.Background(), addr, time.Second))

	// A port nobody listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := ln.Addr().String()
	ln.Close()

	err = WaitForSSH(context.Background(), closed, 200*time.Millisecond)
	assert.ErrorIs(t, err, errdefs.ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = WaitForSSH(ctx, closed, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c\nd", tail("a\nb\nc\nd\n", 2))
	assert.Equal(t, "", tail("", 3))
}
