package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const attemptsHeader = "x-attempts"

// JobMessage is the wire payload between intake and the worker. The record
// itself lives in the database; only the identifier crosses the broker.
type JobMessage struct {
	JobID string `json:"job_id"`
}

// Handler processes one dequeued job. A non-nil error requests an infra-level
// retry of the delivery.
type Handler func(ctx context.Context, jobID string) error

// Client wraps one AMQP connection and channel over a durable work queue.
type Client struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	maxRetries int
	retryWait  time.Duration
	republish  func(ctx context.Context, body []byte, attempts int32) error
	logger     zerolog.Logger
}

// NewClient dials the broker and declares the durable job queue on the
// default exchange.
func NewClient(url, queueName string, maxRetries int, retryWait time.Duration, logger zerolog.Logger) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	logger.Info().Str("queue", queueName).Msg("queue: connected")
	client := &Client{
		conn:       conn,
		channel:    channel,
		queueName:  queueName,
		maxRetries: maxRetries,
		retryWait:  retryWait,
		logger:     logger,
	}
	client.republish = client.publish
	return client, nil
}

// Publish enqueues a job id for the worker.
func (c *Client) Publish(ctx context.Context, jobID string) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	return c.publish(ctx, body, 0)
}

func (c *Client) publish(ctx context.Context, body []byte, attempts int32) error {
	err := c.channel.PublishWithContext(ctx,
		"",          // default exchange
		c.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{attemptsHeader: attempts},
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", c.queueName, err)
	}
	return nil
}

// Consume reads the queue until ctx is canceled or the delivery channel
// closes, invoking handler once per message. Failed deliveries are
// republished with an incremented attempt counter until the retry budget is
// spent, then dropped with an error log; the pipeline has already resolved
// the job to a terminal state for every non-infra failure, so a drop here
// only abandons retries of store/broker hiccups.
func (c *Client) Consume(ctx context.Context, handler Handler) error {
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := c.channel.Consume(
		c.queueName,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queueName, err)
	}

	c.logger.Info().Str("queue", c.queueName).Msg("queue: consuming")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", c.queueName)
			}
			c.handleDelivery(ctx, delivery, handler)
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler Handler) {
	var msg JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.JobID == "" {
		c.logger.Error().Str("body", string(delivery.Body)).Msg("queue: dropping malformed message")
		c.nack(delivery)
		return
	}

	logger := c.logger.With().Str("job_id", msg.JobID).Logger()
	if err := handler(ctx, msg.JobID); err != nil {
		attempts := deliveryAttempts(delivery)
		// attempts counts prior redeliveries, so the budget allows exactly
		// maxRetries redeliveries after the first try.
		if attempts >= int32(c.maxRetries) {
			logger.Error().Err(err).Int32("redeliveries", attempts).Msg("queue: retry budget spent, dropping job message")
			c.ack(delivery)
			return
		}
		logger.Warn().Err(err).Int32("attempt", attempts+1).Msg("queue: handler failed, republishing")
		if c.retryWait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.retryWait):
			}
		}
		if pubErr := c.republish(ctx, delivery.Body, attempts+1); pubErr != nil {
			logger.Error().Err(pubErr).Msg("queue: republish failed, requeueing delivery")
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				logger.Error().Err(nackErr).Msg("queue: nack failed")
			}
			return
		}
		c.ack(delivery)
		return
	}
	c.ack(delivery)
}

func deliveryAttempts(delivery amqp.Delivery) int32 {
	if delivery.Headers == nil {
		return 0
	}
	switch v := delivery.Headers[attemptsHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	default:
		return 0
	}
}

func (c *Client) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error().Err(err).Msg("queue: ack failed")
	}
}

func (c *Client) nack(delivery amqp.Delivery) {
	if err := delivery.Nack(false, false); err != nil {
		c.logger.Error().Err(err).Msg("queue: nack failed")
	}
}

// Close releases the channel and connection.
func (c *Client) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error().Err(err).Msg("queue: channel close failed")
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
