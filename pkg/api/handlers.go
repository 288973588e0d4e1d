package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/labvm/pkg/errdefs"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/gin-gonic/gin"
)

// VMResponse is the JSON form of a VM record
type VMResponse struct {
	ID               uint64     `json:"id"`
	VMID             int        `json:"vmid"`
	Name             string     `json:"name"`
	Node             string     `json:"node"`
	Status           string     `json:"status"`
	IPAddress        string     `json:"ip_address,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	RuntimeExpiresAt *time.Time `json:"runtime_expires_at,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds,omitempty"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Step  string `json:"step,omitempty"`
}

// ExtendRequest is the body of the extend action
type ExtendRequest struct {
	Minutes int `json:"minutes" binding:"required"`
}

// VNCResponse carries a console URL
type VNCResponse struct {
	URL string `json:"url"`
}

func vmToResponse(vm *types.VM, now time.Time) VMResponse {
	resp := VMResponse{
		ID:               vm.ID,
		VMID:             vm.VMID,
		Name:             vm.Name,
		Node:             vm.Node,
		Status:           string(vm.Status),
		IPAddress:        vm.IPAddress,
		FailureReason:    vm.FailureReason,
		CreatedAt:        vm.CreatedAt,
		RuntimeExpiresAt: vm.RuntimeExpiresAt,
	}
	if vm.RuntimeExpiresAt != nil && vm.RuntimeExpiresAt.After(now) {
		resp.RemainingSeconds = int64(vm.RuntimeExpiresAt.Sub(now) / time.Second)
	}
	return resp
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(err error) int {
	switch errdefs.KindOf(err) {
	case errdefs.ErrNotFound:
		return http.StatusNotFound
	case errdefs.ErrForbidden:
		return http.StatusForbidden
	case errdefs.ErrAlreadyExists, errdefs.ErrConflict:
		return http.StatusConflict
	case errdefs.ErrInvalidRange, errdefs.ErrNotRunning:
		return http.StatusBadRequest
	case errdefs.ErrResourceExhausted:
		return http.StatusServiceUnavailable
	case errdefs.ErrTimeout:
		return http.StatusGatewayTimeout
	case errdefs.ErrHypervisorUnavailable, errdefs.ErrRemoteRejected:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if kind := errdefs.KindOf(err); kind != nil {
		resp.Kind = kind.Error()
	}
	var e *errdefs.Error
	if errors.As(err, &e) {
		resp.Step = e.Step
	}
	c.AbortWithStatusJSON(StatusFor(err), resp)
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid vm id"})
		return 0, false
	}
	return id, true
}

// opContext returns the context for an operation that changes a VM: it
// outlives a client disconnect and ends after the operation timeout.
func (s *Server) opContext(c *gin.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(c.Request.Context())
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Server) createVM(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()
	vm, err := s.vms.CreateVM(ctx, userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, vmToResponse(vm, time.Now()))
}

func (s *Server) listVMs(c *gin.Context) {
	vms, err := s.vms.ListVMs(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	now := time.Now()
	out := make([]VMResponse, 0, len(vms))
	for _, vm := range vms {
		out = append(out, vmToResponse(vm, now))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getVM(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	vm, err := s.vms.GetVM(c.Request.Context(), userID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, vmToResponse(vm, time.Now()))
}

func (s *Server) deleteVM(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := s.opContext(c)
	defer cancel()
	if err := s.vms.DeleteVM(ctx, userID(c), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// action adapts a lifecycle operation into a handler
func (s *Server) action(op func(ctx context.Context, userID, id uint64) (*types.VM, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		ctx, cancel := s.opContext(c)
		defer cancel()
		vm, err := op(ctx, userID(c), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, vmToResponse(vm, time.Now()))
	}
}

func (s *Server) startVM(c *gin.Context) {
	s.action(s.vms.StartVM)(c)
}

func (s *Server) stopVM(c *gin.Context) {
	s.action(s.vms.StopVM)(c)
}

func (s *Server) rebootVM(c *gin.Context) {
	s.action(s.vms.RebootVM)(c)
}

func (s *Server) resetVM(c *gin.Context) {
	s.action(s.vms.ResetVM)(c)
}

func (s *Server) extendVM(c *gin.Context) {
	var req ExtendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	s.action(func(ctx context.Context, user, id uint64) (*types.VM, error) {
		return s.vms.ExtendVM(ctx, user, id, req.Minutes)
	})(c)
}

func (s *Server) vnc(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	url, err := s.vms.VNCURL(c.Request.Context(), userID(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, VNCResponse{URL: url})
}

func (s *Server) listNodes(c *gin.Context) {
	loads, err := s.nodes.Loads(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loads)
}
