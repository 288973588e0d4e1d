package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{Kind: ErrHypervisorUnavailable, Op: "start", VMID: 205, Node: "pve2", Err: cause}

	assert.True(t, errors.Is(err, ErrHypervisorUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, "start vmid=205 node=pve2: hypervisor unavailable: connection refused", err.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"bare sentinel", ErrNotFound, ErrNotFound},
		{"fmt wrapped", fmt.Errorf("vm 3: %w", ErrForbidden), ErrForbidden},
		{"nested Error", &Error{Op: "create", Err: fmt.Errorf("x: %w", ErrResourceExhausted)}, ErrResourceExhausted},
		{"unknown", errors.New("boom"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapInheritsKind(t *testing.T) {
	assert.Nil(t, Wrap(nil, "op", nil))

	err := Wrap(nil, "extend", fmt.Errorf("minutes=90: %w", ErrInvalidRange))
	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, ErrInvalidRange, e.Kind)
	assert.Equal(t, "extend", e.Op)
}

func TestErrorWithStep(t *testing.T) {
	err := &Error{Kind: ErrToolFailure, Op: "create", Step: "provision", VMID: 201}
	assert.Equal(t, "create [provision] vmid=201: provisioning tool failed", err.Error())
	assert.True(t, errors.Is(err, ErrToolFailure))
}
