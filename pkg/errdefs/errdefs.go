// Package errdefs defines the error kinds surfaced by labvm components.
//
// Components wrap one of the sentinel kinds below, either with fmt.Errorf and
// %w or with an *Error carrying operation context. Callers match kinds with
// errors.Is or the Is* helpers.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAlreadyExists         = errors.New("already exists")
	ErrResourceExhausted     = errors.New("resource exhausted")
	ErrRemoteRejected        = errors.New("rejected by hypervisor")
	ErrHypervisorUnavailable = errors.New("hypervisor unavailable")
	ErrToolFailure           = errors.New("provisioning tool failed")
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidRange          = errors.New("invalid range")
	ErrTimeout               = errors.New("timed out")
	ErrNotRunning            = errors.New("vm is not running")
	ErrConflict              = errors.New("conflicting state")
	ErrProvisioningFailed    = errors.New("provisioning failed")
)

// Error carries the context of a failed operation. Kind is one of the
// sentinel errors of this package; Err is the underlying cause.
type Error struct {
	Kind error
	Op   string
	VMID int
	Node string
	Step string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Step != "" {
		fmt.Fprintf(&b, " [%s]", e.Step)
	}
	if e.VMID != 0 {
		fmt.Fprintf(&b, " vmid=%d", e.VMID)
	}
	if e.Node != "" {
		fmt.Fprintf(&b, " node=%s", e.Node)
	}
	// The cause usually already names the kind.
	if e.Kind != nil && (e.Err == nil || !errors.Is(e.Err, e.Kind)) {
		fmt.Fprintf(&b, ": %v", e.Kind)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Wrap returns err annotated with op context. If err is nil, Wrap returns nil.
// The kind is inherited from err when kind is nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	if kind == nil {
		kind = KindOf(err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

var kinds = []error{
	ErrAlreadyExists,
	ErrResourceExhausted,
	ErrRemoteRejected,
	ErrHypervisorUnavailable,
	ErrToolFailure,
	ErrNotFound,
	ErrForbidden,
	ErrInvalidRange,
	ErrTimeout,
	ErrNotRunning,
	ErrConflict,
	ErrProvisioningFailed,
}

// KindOf returns the first sentinel kind found in err's chain, or nil.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func IsNotFound(err error) bool              { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool         { return errors.Is(err, ErrAlreadyExists) }
func IsResourceExhausted(err error) bool     { return errors.Is(err, ErrResourceExhausted) }
func IsTimeout(err error) bool               { return errors.Is(err, ErrTimeout) }
func IsHypervisorUnavailable(err error) bool { return errors.Is(err, ErrHypervisorUnavailable) }
func IsRemoteRejected(err error) bool        { return errors.Is(err, ErrRemoteRejected) }
func IsConflict(err error) bool              { return errors.Is(err, ErrConflict) }
