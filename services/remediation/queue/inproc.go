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
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

const (
	defaultInprocCapacity = 256

	// defaultMaxRedeliveries bounds retries of one failing message. The
	// session store still holds the session for manual follow-up after the
	// queue gives up.
	defaultMaxRedeliveries = 5
)

// inprocDelivery carries a message with its redelivery count. The count is
// backend bookkeeping; it never leaves the channel.
type inprocDelivery struct {
	msg      datatypes.QueueMessage
	failures int
}

// InprocBackend is a channel-backed queue for single-process deployments and
// tests. Delivery guarantees hold only within the process lifetime.
type InprocBackend struct {
	ch chan inprocDelivery

	closeOnce sync.Once
	done      chan struct{}

	// redeliveryDelay spaces out retries of a failing handler so a poison
	// message cannot spin the consumer.
	redeliveryDelay time.Duration

	// maxRedeliveries is how many times a failed message is requeued
	// before it is dropped with a terminal log.
	maxRedeliveries int
}

// NewInprocBackend creates an in-process backend with the given buffer
// capacity. Zero or negative capacity uses the default.
func NewInprocBackend(capacity int) *InprocBackend {
	if capacity <= 0 {
		capacity = defaultInprocCapacity
	}
	return &InprocBackend{
		ch:              make(chan inprocDelivery, capacity),
		done:            make(chan struct{}),
		redeliveryDelay: 100 * time.Millisecond,
		maxRedeliveries: defaultMaxRedeliveries,
	}
}

func (b *InprocBackend) Publish(ctx context.Context, msg datatypes.QueueMessage) error {
	msg = stamp(msg)
	select {
	case b.ch <- inprocDelivery{msg: msg}:
		return nil
	case <-b.done:
		return ErrBackendUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *InprocBackend) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case d := <-b.ch:
			if err := handler(ctx, d.msg); err != nil {
				d.failures++
				if d.failures > b.maxRedeliveries {
					slog.Error("queue: dropping message, redelivery budget exhausted",
						"delivery_id", d.msg.DeliveryID, "event_type", d.msg.EventType,
						"failures", d.failures, "error", err)
					continue
				}
				slog.Warn("queue: handler failed, redelivering",
					"delivery_id", d.msg.DeliveryID, "event_type", d.msg.EventType,
					"failures", d.failures, "error", err)
				select {
				case <-time.After(b.redeliveryDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
				select {
				case b.ch <- d:
				default:
					// Buffer full while redelivering; drop rather than
					// deadlock the consumer.
					slog.Error("queue: dropping redelivery, buffer full",
						"delivery_id", d.msg.DeliveryID, "event_type", d.msg.EventType)
				}
			}
		}
	}
}

func (b *InprocBackend) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
