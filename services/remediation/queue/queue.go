// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue decouples webhook ingestion from analysis work.
//
// All backends provide at-least-once delivery: a message is acknowledged only
// after the handler returns nil, and a failed or interrupted handler leads to
// redelivery. Consumers are expected to be idempotent via the message's
// delivery ID.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

var (
	// ErrQueuePublish is returned when a message could not be handed to the
	// backend. Callers treat this as request-fatal: work must never be
	// silently dropped.
	ErrQueuePublish = errors.New("queue publish failed")

	// ErrBackendUnavailable is returned when the backend cannot be reached.
	ErrBackendUnavailable = errors.New("queue backend unavailable")

	// ErrUnknownBackend is returned by NewBackend for an unrecognized kind.
	ErrUnknownBackend = errors.New("unknown queue backend")
)

// Handler processes one delivered message. Returning an error triggers
// redelivery.
type Handler func(ctx context.Context, msg datatypes.QueueMessage) error

// Backend is the transport contract between the webhook surface and the
// analysis workers.
type Backend interface {
	// Publish enqueues one message. It blocks until the backend accepts the
	// message or ctx is done.
	Publish(ctx context.Context, msg datatypes.QueueMessage) error

	// Consume delivers messages to handler until ctx is done. Messages are
	// acknowledged only after handler returns nil.
	Consume(ctx context.Context, handler Handler) error

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	// Kind is one of "inproc", "amqp", or "sqs".
	Kind string

	// QueueName is the queue to declare and consume (inproc ignores it for
	// routing, amqp declares it durable).
	QueueName string

	AMQPURL     string
	SQSQueueURL string
	AWSRegion   string
}

// NewBackend builds the backend named by opts.Kind.
func NewBackend(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Kind {
	case "inproc", "":
		return NewInprocBackend(0), nil
	case "amqp":
		return NewAMQPBackend(opts.AMQPURL, opts.QueueName), nil
	case "sqs":
		return NewSQSBackend(ctx, opts.SQSQueueURL, opts.AWSRegion)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Kind)
	}
}

// stamp fills the envelope fields a publisher may leave zero.
func stamp(msg datatypes.QueueMessage) datatypes.QueueMessage {
	if msg.DeliveryID == "" {
		msg.DeliveryID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	return msg
}
