package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/labvm/pkg/config"
	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/log"
	"github.com/rs/zerolog"
)

// Target is a freshly started VM to finish
type Target struct {
	Address  string
	Hostname string
}

// Tool finishes the guest configuration of a started VM. It returns nil on
// success and an error wrapping errdefs.ErrToolFailure or errdefs.ErrTimeout
// otherwise.
type Tool interface {
	Provision(ctx context.Context, target Target) error
}

// Disabled is a Tool that does nothing. It is used when provisioning is
// turned off in the configuration.
type Disabled struct{}

// Provision implements Tool
func (Disabled) Provision(context.Context, Target) error { return nil }

// Runner runs ansible-playbook against the target once its SSH port accepts
// connections
type Runner struct {
	// Binary is the playbook runner (default: ansible-playbook)
	Binary string

	// Playbook is the path of the setup playbook
	Playbook string

	// User and PrivateKey are the SSH credentials for the guest
	User       string
	PrivateKey string

	// Timeout bounds one playbook run (default: 300 seconds)
	Timeout time.Duration

	// SSHWait bounds the wait for the SSH port (default: 180 seconds)
	SSHWait time.Duration

	// SSHPort is the guest port probed before running (default: 22)
	SSHPort int

	logger zerolog.Logger
}

// NewRunner creates a Runner from the provision config section
func NewRunner(cfg config.ProvisionConfig) *Runner {
	r := &Runner{
		Binary:     cfg.Binary,
		Playbook:   cfg.Playbook,
		User:       cfg.User,
		PrivateKey: cfg.PrivateKey,
		Timeout:    cfg.SetupTimeout,
		SSHWait:    cfg.SSHWaitTimeout,
		SSHPort:    22,
		logger:     log.WithComponent("provision"),
	}
	if r.Binary == "" {
		r.Binary = "ansible-playbook"
	}
	if r.Timeout <= 0 {
		r.Timeout = 300 * time.Second
	}
	if r.SSHWait <= 0 {
		r.SSHWait = 180 * time.Second
	}
	return r
}

// New returns the Tool selected by cfg
func New(cfg config.ProvisionConfig) Tool {
	if !cfg.Enabled {
		return Disabled{}
	}
	return NewRunner(cfg)
}

// Args returns the command line for target, without the binary
func (r *Runner) Args(target Target) []string {
	args := []string{
		r.Playbook,
		"-i", target.Address + ",",
		"-u", r.User,
	}
	if r.PrivateKey != "" {
		args = append(args, "--private-key", r.PrivateKey)
	}
	if target.Hostname != "" {
		args = append(args, "-e", "hostname="+target.Hostname)
	}
	return args
}

// Provision implements Tool
func (r *Runner) Provision(ctx context.Context, target Target) error {
	logger := r.logger.With().Str("address", target.Address).Str("hostname", target.Hostname).Logger()

	sshAddr := net.JoinHostPort(target.Address, strconv.Itoa(r.SSHPort))
	if err := WaitForSSH(ctx, sshAddr, r.SSHWait); err != nil {
		return err
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Binary, r.Args(target)...)
	cmd.Env = append(cmd.Environ(), "ANSIBLE_HOST_KEY_CHECKING=False")
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		logger.Info().Dur("duration", time.Since(start)).Msg("Provisioning completed")
		return nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		logger.Error().Dur("timeout", r.Timeout).Msg("Provisioning timed out")
		return fmt.Errorf("%s did not finish within %v: %w", r.Binary, r.Timeout, errdefs.ErrToolFailure)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s interrupted: %w", r.Binary, errdefs.ErrTimeout)
	}

	detail := tail(stderr.String(), 10)
	if detail == "" {
		detail = tail(stdout.String(), 10)
	}
	logger.Error().Err(err).Str("output", detail).Msg("Provisioning failed")
	return fmt.Errorf("%s: %v: %s: %w", r.Binary, err, detail, errdefs.ErrToolFailure)
}

// tail returns the last n non-empty lines of s
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// WaitForSSH dials address until a TCP connection succeeds or timeout
// elapses, which is errdefs.ErrTimeout.
func WaitForSSH(ctx context.Context, address string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := timeout / 30
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > 2*time.Second {
		interval = 2 * time.Second
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	for {
		conn, err := dialer.DialContext(waitCtx, "tcp", address)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ssh on %s not reachable within %v: %w", address, timeout, errdefs.ErrTimeout)
		case <-time.After(interval):
		}
	}
}
