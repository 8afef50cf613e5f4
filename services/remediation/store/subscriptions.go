// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub datatypes.Subscription) (datatypes.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = time.Now()

	// Re-registering a (source, project) pair rotates its secret.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, project_id, source, secret, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source, project_id) DO UPDATE SET
			secret = excluded.secret,
			created_at_ms = excluded.created_at_ms`,
		sub.ID, sub.ProjectID, sub.Source, sub.Secret, sub.CreatedAt.UnixMilli())
	if err != nil {
		return datatypes.Subscription{}, fmt.Errorf("failed to create subscription: %w", err)
	}

	// The upsert path keeps the original row ID; read it back.
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at_ms FROM subscriptions WHERE source = ? AND project_id = ?`,
		sub.Source, sub.ProjectID)
	var createdMs int64
	if err := row.Scan(&sub.ID, &createdMs); err != nil {
		return datatypes.Subscription{}, fmt.Errorf("failed to read back subscription: %w", err)
	}
	sub.CreatedAt = time.UnixMilli(createdMs)
	return sub, nil
}

func (s *SQLiteStore) ListSubscriptions(ctx context.Context) ([]datatypes.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, source, secret, created_at_ms
		FROM subscriptions ORDER BY created_at_ms`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]datatypes.Subscription, 0)
	for rows.Next() {
		var (
			sub datatypes.Subscription
			ms  int64
		)
		if err := rows.Scan(&sub.ID, &sub.ProjectID, &sub.Source, &sub.Secret, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.CreatedAt = time.UnixMilli(ms)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *SQLiteStore) LookupSecret(ctx context.Context, source, projectID string) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx,
		`SELECT secret FROM subscriptions WHERE source = ? AND project_id = ?`,
		source, projectID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up secret: %w", err)
	}
	return secret, nil
}
