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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

// sqsAPI is the slice of the SQS client the backend uses; narrowed for tests.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSBackend is an Amazon SQS-backed queue. Visibility timeout provides the
// redelivery mechanism: messages are deleted only after the handler succeeds.
type SQSBackend struct {
	client   sqsAPI
	queueURL string
}

// NewSQSBackend builds a backend against the given queue URL using the
// default AWS credential chain.
func NewSQSBackend(ctx context.Context, queueURL, region string) (*SQSBackend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("%w: aws config: %v", ErrBackendUnavailable, err)
	}
	return &SQSBackend{client: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

func (b *SQSBackend) Publish(ctx context.Context, msg datatypes.QueueMessage) error {
	msg = stamp(msg)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrQueuePublish, err)
	}
	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueuePublish, err)
	}
	return nil
}

func (b *SQSBackend) Consume(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(b.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("queue: sqs receive failed, retrying", "error", err)
			if err := sleepCtx(ctx, amqpInitialBackoff); err != nil {
				return err
			}
			continue
		}

		for _, raw := range out.Messages {
			var msg datatypes.QueueMessage
			if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
				slog.Error("queue: discarding undecodable message",
					"message_id", aws.ToString(raw.MessageId), "error", err)
				b.delete(ctx, raw.ReceiptHandle)
				continue
			}
			if err := handler(ctx, msg); err != nil {
				// Leave the message in flight; the visibility timeout will
				// redeliver it.
				slog.Warn("queue: handler failed, leaving for redelivery",
					"delivery_id", msg.DeliveryID, "event_type", msg.EventType, "error", err)
				continue
			}
			b.delete(ctx, raw.ReceiptHandle)
		}
	}
}

func (b *SQSBackend) delete(ctx context.Context, receipt *string) {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: receipt,
	})
	if err != nil {
		slog.Warn("queue: sqs delete failed, message will redeliver", "error", err)
	}
}

func (b *SQSBackend) Close() error { return nil }
