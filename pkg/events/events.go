package events

import (
	"sync"
	"time"

	"github.com/cuemby/labvm/pkg/types"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventVMCreated       EventType = "vm.created"
	EventVMFailed        EventType = "vm.failed"
	EventVMStarted       EventType = "vm.started"
	EventVMStopped       EventType = "vm.stopped"
	EventVMRebooted      EventType = "vm.rebooted"
	EventVMExtended      EventType = "vm.extended"
	EventVMReset         EventType = "vm.reset"
	EventVMDeleted       EventType = "vm.deleted"
	EventVMMigrated      EventType = "vm.migrated"
	EventVMStatusChanged EventType = "vm.status_changed"
	EventVMExpired       EventType = "vm.expired"
	EventVMLost          EventType = "vm.lost"
)

// Event represents a change to a VM
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	UserID    uint64
	VMID      int
	Node      string
	Message   string
	Error     string
	Metadata  map[string]string
}

// NewEvent builds an event about vm
func NewEvent(typ EventType, vm *types.VM, message string) *Event {
	e := &Event{
		ID:      uuid.New().String(),
		Type:    typ,
		Message: message,
	}
	if vm != nil {
		e.UserID = vm.UserID
		e.VMID = vm.VMID
		e.Node = vm.Node
	}
	return e
}

// WithError records the failure that caused the event
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithMeta adds one metadata pair
func (e *Event) WithMeta(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for all subscribers. It never blocks: when the
// queue is full or the broker is stopped the event is dropped.
func (b *Broker) Publish(event *Event) {
	if b == nil || event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.eventCh <- event:
	default:
		// Queue full, drop
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
