package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"commonpurse/internal/core"

	"github.com/rabbitmq/amqp091-go"
)

type Client struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	reportQueue  string
	exportQueue  string
}

func NewClient(url, exchangeName, reportQueue, exportQueue string) (*Client, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	client := &Client{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		reportQueue:  reportQueue,
		exportQueue:  exportQueue,
	}

	if err := client.setup(); err != nil {
		client.Close()
		return nil, fmt.Errorf("setup exchange and queues: %w", err)
	}

	return client, nil
}

func (c *Client) setup() error {
	// Declare exchange
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	for _, queue := range []string{c.reportQueue, c.exportQueue} {
		_, err = c.channel.QueueDeclare(
			queue, // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}

		// Routing key matches the queue name on a direct exchange.
		err = c.channel.QueueBind(queue, queue, c.exchangeName, false, nil)
		if err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	return nil
}

func (c *Client) publish(ctx context.Context, queue string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		queue,          // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// PublishExportTransaction queues one ledger row for sheet export.
func (c *Client) PublishExportTransaction(ctx context.Context, group core.GroupID, txID int64) error {
	body, err := NewExportMessage(group, txID).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal export message: %w", err)
	}

	if err := c.publish(ctx, c.exportQueue, body); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Published export message",
		"group_id", group,
		"transaction_id", txID,
		"queue", c.exportQueue)
	return nil
}

// PublishReportReady signals that a rendered artifact is ready; used by
// tooling and tests standing in for the rendering service.
func (c *Client) PublishReportReady(ctx context.Context, requestID string) error {
	body, err := (&ReportReadyMessage{RequestID: requestID, Timestamp: time.Now()}).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal report ready message: %w", err)
	}

	if err := c.publish(ctx, c.reportQueue, body); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Published report ready message",
		"report_id", requestID,
		"queue", c.reportQueue)
	return nil
}

// ConsumeReportReady delivers render-completion signals to handler with
// manual acknowledgement. A handler error requeues the message.
func (c *Client) ConsumeReportReady(ctx context.Context, handler func(context.Context, *ReportReadyMessage) error) error {
	return c.consume(ctx, c.reportQueue, func(ctx context.Context, body []byte) error {
		msg, err := ReportReadyMessageFromJSON(body)
		if err != nil {
			return errUnmarshal{err}
		}
		return handler(ctx, msg)
	})
}

// ConsumeExportMessages delivers export requests to handler with manual
// acknowledgement. A handler error requeues the message.
func (c *Client) ConsumeExportMessages(ctx context.Context, handler func(context.Context, *ExportMessage) error) error {
	return c.consume(ctx, c.exportQueue, func(ctx context.Context, body []byte) error {
		msg, err := ExportMessageFromJSON(body)
		if err != nil {
			return errUnmarshal{err}
		}
		return handler(ctx, msg)
	})
}

// errUnmarshal marks messages that can never be processed; they are rejected
// without requeue.
type errUnmarshal struct{ err error }

func (e errUnmarshal) Error() string { return e.err.Error() }

func (c *Client) consume(ctx context.Context, queue string, handle func(context.Context, []byte) error) error {
	msgs, err := c.channel.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack (we want manual ack)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming messages", "queue", queue)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping message consumption", "queue", queue, "reason", ctx.Err())
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			if err := handle(ctx, delivery.Body); err != nil {
				if _, permanent := err.(errUnmarshal); permanent {
					slog.ErrorContext(ctx, "Failed to unmarshal message", "queue", queue, "error", err)
					delivery.Nack(false, false) // reject and don't requeue
					continue
				}
				slog.ErrorContext(ctx, "Failed to handle message", "queue", queue, "error", err)
				delivery.Nack(false, true) // reject and requeue
				continue
			}

			delivery.Ack(false)
		}
	}
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
