// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

const (
	amqpInitialBackoff = 1 * time.Second
	amqpMaxBackoff     = 30 * time.Second
	amqpBackoffFactor  = 2.0
	amqpJitterFactor   = 0.2
)

// AMQPBackend is a RabbitMQ-backed queue. The queue is declared durable and
// messages are published persistent, so work survives broker restarts.
type AMQPBackend struct {
	url       string
	queueName string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPBackend creates a backend for the given broker URL and queue name.
// The connection is established lazily on first use.
func NewAMQPBackend(url, queueName string) *AMQPBackend {
	return &AMQPBackend{url: url, queueName: queueName}
}

// ensureChannel returns a live channel, dialing the broker if needed.
func (b *AMQPBackend) ensureChannel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}

	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.Dial(b.url)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		b.conn = conn
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if _, err := ch.QueueDeclare(b.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("%w: queue declare: %v", ErrBackendUnavailable, err)
	}
	b.ch = ch
	return ch, nil
}

func (b *AMQPBackend) Publish(ctx context.Context, msg datatypes.QueueMessage) error {
	msg = stamp(msg)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrQueuePublish, err)
	}

	ch, err := b.ensureChannel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueuePublish, err)
	}

	err = ch.PublishWithContext(ctx, "", b.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.DeliveryID,
		Timestamp:    msg.EnqueuedAt,
		Body:         body,
	})
	if err != nil {
		// Force a redial on the next call.
		b.mu.Lock()
		b.ch = nil
		b.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrQueuePublish, err)
	}
	return nil
}

func (b *AMQPBackend) Consume(ctx context.Context, handler Handler) error {
	backoff := amqpInitialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ch, err := b.ensureChannel()
		if err != nil {
			slog.Warn("queue: amqp unavailable, retrying", "error", err, "backoff", backoff)
			if err := sleepCtx(ctx, withJitter(backoff)); err != nil {
				return err
			}
			backoff = nextAMQPBackoff(backoff)
			continue
		}
		backoff = amqpInitialBackoff

		if err := b.consumeChannel(ctx, ch, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("queue: amqp consume interrupted, reconnecting", "error", err)
		}
	}
}

// consumeChannel drains one channel until it closes or ctx is done.
func (b *AMQPBackend) consumeChannel(ctx context.Context, ch *amqp.Channel, handler Handler) error {
	// One unacked message at a time keeps ordering per consumer and bounds
	// redelivery blast radius.
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(b.queueName, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			var msg datatypes.QueueMessage
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				slog.Error("queue: discarding undecodable message", "message_id", d.MessageId, "error", err)
				_ = d.Nack(false, false)
				continue
			}
			if err := handler(ctx, msg); err != nil {
				slog.Warn("queue: handler failed, requeueing",
					"delivery_id", msg.DeliveryID, "event_type", msg.EventType, "error", err)
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (b *AMQPBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}

func withJitter(base time.Duration) time.Duration {
	jitter := (rand.Float64()*2 - 1) * amqpJitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextAMQPBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * amqpBackoffFactor)
	if next > amqpMaxBackoff {
		return amqpMaxBackoff
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
