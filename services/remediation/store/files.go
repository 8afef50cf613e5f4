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
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

func (s *SQLiteStore) StoreTrackedFile(ctx context.Context, id, path, content, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_files (session_id, path, content, status, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, path) DO UPDATE SET
			content = excluded.content,
			status = excluded.status,
			updated_at_ms = excluded.updated_at_ms`,
		id, path, content, status, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store tracked file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTrackedFiles(ctx context.Context, id string) ([]datatypes.TrackedFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, path, content, status, updated_at_ms
		FROM tracked_files WHERE session_id = ? ORDER BY path`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked files: %w", err)
	}
	defer rows.Close()

	files := make([]datatypes.TrackedFile, 0)
	for rows.Next() {
		var (
			f  datatypes.TrackedFile
			ms int64
		)
		if err := rows.Scan(&f.SessionID, &f.Path, &f.Content, &f.Status, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan tracked file: %w", err)
		}
		f.UpdatedAt = time.UnixMilli(ms)
		files = append(files, f)
	}
	return files, rows.Err()
}

// AppendAnalysisResult commits the transcript entries for one queue delivery
// together with the processed-delivery marker. A redelivered message sees the
// marker and becomes a no-op, so the transcript never duplicates.
func (s *SQLiteStore) AppendAnalysisResult(ctx context.Context, id, deliveryID string, msgs []datatypes.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (delivery_id, processed_at_ms)
		VALUES (?, ?)`, deliveryID, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already processed; nothing else to write.
		return tx.Commit()
	}

	if err := sessionExistsTx(ctx, tx, id); err != nil {
		return err
	}
	for _, msg := range msgs {
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, created_at_ms) VALUES (?, ?, ?, ?)`,
			id, string(msg.Role), msg.Content, ts.UnixMilli()); err != nil {
			return fmt.Errorf("failed to append analysis message: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_ms = ? WHERE id = ?`,
		now.UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) IsEventProcessed(ctx context.Context, deliveryID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM processed_events WHERE delivery_id = ?`, deliveryID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check delivery: %w", err)
	}
	return n > 0, nil
}
