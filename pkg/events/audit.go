package events

import (
	"context"
	"time"

	"github.com/cuemby/labvm/pkg/log"
	"github.com/cuemby/labvm/pkg/storage"
	"github.com/cuemby/labvm/pkg/types"
	"github.com/rs/zerolog"
)

// AuditRecorder appends every published event to the audit log
type AuditRecorder struct {
	store  storage.Store
	broker *Broker
	logger zerolog.Logger
	done   chan struct{}
}

// NewAuditRecorder creates a recorder for events published on broker
func NewAuditRecorder(store storage.Store, broker *Broker) *AuditRecorder {
	return &AuditRecorder{
		store:  store,
		broker: broker,
		logger: log.WithComponent("audit"),
		done:   make(chan struct{}),
	}
}

// Start subscribes and records events until ctx is cancelled
func (r *AuditRecorder) Start(ctx context.Context) {
	sub := r.broker.Subscribe()
	go func() {
		defer close(r.done)
		defer r.broker.Unsubscribe(sub)
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					return
				}
				r.record(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Done is closed once the recorder has stopped
func (r *AuditRecorder) Done() <-chan struct{} {
	return r.done
}

func (r *AuditRecorder) record(ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.Update(ctx, func(tx storage.Tx) error {
		return tx.AppendAudit(EntryFor(ev))
	}); err != nil {
		r.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("Failed to write audit entry")
	}
}

// EntryFor converts an event into an audit log entry
func EntryFor(ev *Event) *types.AuditEntry {
	entry := &types.AuditEntry{
		ID:        ev.ID,
		UserID:    ev.UserID,
		Action:    string(ev.Type),
		VMID:      ev.VMID,
		Status:    "success",
		Detail:    ev.Message,
		Timestamp: ev.Timestamp,
	}
	if ev.Error != "" {
		entry.Status = "error"
		if entry.Detail != "" {
			entry.Detail += ": "
		}
		entry.Detail += ev.Error
	}
	return entry
}
