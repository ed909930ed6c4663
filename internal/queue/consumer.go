// Package queue consumes conversion events from an AMQP queue.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/converter"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/handler"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/logging"
)

// Config configures the consumer.
type Config struct {
	URL      string
	Queue    string
	Prefetch int
}

// Applier applies one event.
type Applier interface {
	Apply(ctx context.Context, ev handler.Event) (map[string]any, error)
}

// Disposition is what happens to a delivery after it is handled.
type Disposition int

const (
	Ack Disposition = iota
	// Requeue puts a transient failure back on the queue.
	Requeue
	// Reject drops the message, dead-lettering it if the queue has one.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	default:
		return "reject"
	}
}

// Decide picks the disposition for a handled delivery. Retryable failures
// are requeued once; a redelivered message that fails again is rejected.
func Decide(err error, redelivered bool) Disposition {
	if err == nil {
		return Ack
	}
	if converter.IsRetryable(err) {
		if redelivered {
			return Reject
		}
		return Requeue
	}
	return Reject
}

// Consumer reads events from a durable queue with manual acknowledgement.
type Consumer struct {
	cfg     Config
	applier Applier
	log     *slog.Logger
}

func NewConsumer(cfg Config, applier Applier) *Consumer {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		cfg:     cfg,
		applier: applier,
		log:     slog.With("component", "queue", "queue", cfg.Queue),
	}
}

// Run consumes until ctx is cancelled or the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}

	deliveries, err := ch.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	c.log.Info("consuming", "prefetch", c.cfg.Prefetch)
	return c.consume(ctx, deliveries)
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle applies one delivery and settles it.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) Disposition {
	if d.CorrelationId != "" {
		ctx = logging.WithCorrelationID(ctx, d.CorrelationId)
	}

	ev, err := handler.DecodeEvent(bytes.NewReader(d.Body))
	if err == nil {
		_, err = c.applier.Apply(ctx, ev)
	}

	disp := Decide(err, d.Redelivered)
	log := c.log.With("delivery_tag", d.DeliveryTag, "redelivered", d.Redelivered, "disposition", disp.String())
	if err != nil {
		log.Warn("event failed", "error", err)
	} else {
		log.Debug("event handled")
	}

	var settleErr error
	switch disp {
	case Ack:
		settleErr = d.Ack(false)
	case Requeue:
		settleErr = d.Nack(false, true)
	default:
		settleErr = d.Nack(false, false)
	}
	if settleErr != nil {
		log.Error("settle delivery", "error", settleErr)
	}
	return disp
}

// Enqueue declares the queue and publishes one event to it as a
// persistent message.
func Enqueue(ctx context.Context, cfg Config, body []byte, correlationID string) error {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}

	err = ch.PublishWithContext(ctx,
		"",        // default exchange
		cfg.Queue, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: correlationID,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", cfg.Queue, err)
	}
	return nil
}
