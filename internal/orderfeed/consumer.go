// Package orderfeed consumes the marketplace's order status events and refreshes tracked orders.
package orderfeed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultMaxBytes     = 1e6
	defaultErrorBackoff = time.Second
)

// Logger records feed processing events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Nudger refreshes the tracked status of an order. It reports whether the order was being tracked.
type Nudger interface {
	Nudge(orderID string) bool
}

// MessageReader is the subset of *kafka.Reader used by the consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StatusEvent is the payload published when an order changes status.
type StatusEvent struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Config names the brokers and topic to read.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader opens a consumer-group reader for cfg.
func NewReader(cfg Config) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("orderfeed: brokers and topic are required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MaxBytes: defaultMaxBytes,
	}), nil
}

// ConsumerDeps wires the consumer.
type ConsumerDeps struct {
	Reader       MessageReader
	Orders       Nudger
	ErrorBackoff time.Duration
	Logger       Logger
}

// Consumer turns status events into tracker nudges. Events never carry state the storefront
// trusts; the tracked poller re-fetches the order from the marketplace.
type Consumer struct {
	reader  MessageReader
	orders  Nudger
	backoff time.Duration
	logger  Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(deps ConsumerDeps) (*Consumer, error) {
	if deps.Reader == nil {
		return nil, errors.New("orderfeed: reader is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("orderfeed: order nudger is required")
	}
	backoff := deps.ErrorBackoff
	if backoff <= 0 {
		backoff = defaultErrorBackoff
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Consumer{reader: deps.Reader, orders: deps.Orders, backoff: backoff, logger: logger}, nil
}

// Run consumes until ctx is cancelled or the reader is closed. Messages are committed after they
// are handled, including malformed ones.
func (c *Consumer) Run(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			c.logger(ctx, "orderfeed.fetch_failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}

		c.Handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger(ctx, "orderfeed.commit_failed", map[string]any{"offset": msg.Offset, "error": err.Error()})
		}
	}
}

// Handle processes a single message and reports whether a tracked order was nudged. Malformed
// messages are logged and skipped.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) bool {
	var event StatusEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger(ctx, "orderfeed.decode_failed", map[string]any{"offset": msg.Offset, "error": err.Error()})
		return false
	}
	orderID := strings.TrimSpace(event.OrderID)
	if orderID == "" {
		orderID = strings.TrimSpace(string(msg.Key))
	}
	if orderID == "" {
		c.logger(ctx, "orderfeed.missing_order", map[string]any{"offset": msg.Offset})
		return false
	}
	nudged := c.orders.Nudge(orderID)
	if nudged {
		c.logger(ctx, "orderfeed.nudged", map[string]any{"orderId": orderID, "status": event.Status})
	}
	return nudged
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
