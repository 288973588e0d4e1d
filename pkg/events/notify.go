package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/labvm/pkg/config"
	"github.com/cuemby/labvm/pkg/log"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// MigrationAlert reports a VM found on a different node than recorded
type MigrationAlert struct {
	UserID     uint64    `json:"user_id"`
	VMID       int       `json:"vmid"`
	OldNode    string    `json:"old_node"`
	NewNode    string    `json:"new_node"`
	DetectedAt time.Time `json:"detected_at"`
}

// Notifier delivers alerts to the people who own the affected VMs
type Notifier interface {
	NotifyMigration(ctx context.Context, alert MigrationAlert) error
}

// LogNotifier writes alerts to the log only
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("alerts")}
}

// NotifyMigration implements Notifier
func (n *LogNotifier) NotifyMigration(_ context.Context, alert MigrationAlert) error {
	n.logger.Warn().
		Uint64("user_id", alert.UserID).
		Int("vmid", alert.VMID).
		Str("old_node", alert.OldNode).
		Str("new_node", alert.NewNode).
		Msg("VM migrated")
	return nil
}

// publisher is the part of *amqp.Channel the notifier uses
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes alerts as JSON messages to a topic exchange
type AMQPNotifier struct {
	conn       *amqp.Connection
	channel    publisher
	exchange   string
	routingKey string
	mu         sync.Mutex
	logger     zerolog.Logger
}

// DialAMQP connects to the broker at cfg.AMQPURL and declares the alert
// exchange
func DialAMQP(cfg config.AlertsConfig) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	n := newAMQPNotifier(ch, cfg.Exchange, cfg.RoutingKey)
	n.conn = conn
	return n, nil
}

func newAMQPNotifier(ch publisher, exchange, routingKey string) *AMQPNotifier {
	return &AMQPNotifier{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     log.WithComponent("alerts"),
	}
}

// NotifyMigration implements Notifier
func (n *AMQPNotifier) NotifyMigration(ctx context.Context, alert MigrationAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing
	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.PublishWithContext(ctx, n.exchange, n.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    alert.DetectedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to publish migration alert: %w", err)
	}
	n.logger.Info().Int("vmid", alert.VMID).Str("new_node", alert.NewNode).Msg("Migration alert published")
	return nil
}

// Close closes the broker connection
func (n *AMQPNotifier) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}
