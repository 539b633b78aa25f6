// Package queue доставка уведомлений об изменениях каталога через RabbitMQ
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/exp/slog"

	"controlsync/internal/domain/sync"
	"controlsync/internal/utils/logger"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Applier принимает уведомление. Реализуется sync.Service.
type Applier interface {
	Apply(ctx context.Context, ev sync.Event) ([]sync.Result, error)
}

type action int

const (
	ack action = iota
	// сообщение не может быть обработано никогда
	reject
	// временный сбой, сообщение вернется в очередь
	requeue
)

type Consumer struct {
	url      string
	queue    string
	prefetch int
	applier  Applier
	log      *slog.Logger
}

func NewConsumer(url, queue string, prefetch int, applier Applier, log *slog.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		url:      url,
		queue:    queue,
		prefetch: prefetch,
		applier:  applier,
		log:      log.With("component", "amqp_consumer", "queue", queue),
	}
}

// Run подключается к брокеру и переподключается до отмены ctx
func (c *Consumer) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("failed to dial broker", logger.Err(err), "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff

		err = c.session(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("consume loop ended, reconnecting", logger.Err(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) session(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("set qos failed", logger.Err(err))
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.log.Info("consuming change events")
	return c.consume(ctx, msgs)
}

// consume обрабатывает поставки по одной, подтверждая каждую вручную
func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			var err error
			switch c.handle(ctx, d.Body) {
			case ack:
				err = d.Ack(false)
			case reject:
				err = d.Nack(false, false)
			case requeue:
				err = d.Nack(false, true)
			}
			if err != nil {
				return fmt.Errorf("acknowledge delivery: %w", err)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, body []byte) action {
	var ev sync.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		c.log.Error("malformed change event", logger.Err(err))
		return reject
	}

	results, err := c.applier.Apply(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, sync.ErrInvalidEvent), errors.Is(err, sync.ErrUnknownTerminal), errors.Is(err, sync.ErrPhotosNotWired):
		c.log.Error("change event rejected", "event_id", ev.ID, "upstream_id", ev.UpstreamID, logger.Err(err))
		return reject
	default:
		c.log.Warn("change event failed, requeueing", "event_id", ev.ID, "upstream_id", ev.UpstreamID, logger.Err(err))
		return requeue
	}

	for _, r := range results {
		c.log.Debug("change event applied",
			"event_id", ev.ID, "terminal", r.TerminalID, "upstream_id", r.UpstreamID, "outcome", r.Outcome)
	}
	return ack
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
