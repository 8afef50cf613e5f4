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
	"strings"
	"time"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

const sessionColumns = `
	id, session_type, status, project_id, pipeline_id,
	project_name, branch, pipeline_url, job_name, failed_stage,
	current_fix_branch, webhook_data,
	quality_total, quality_critical, quality_major, quality_gate_status,
	created_at_ms, last_activity_ms, expires_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (datatypes.Session, error) {
	var (
		sess                           datatypes.Session
		pipelineID                     sql.NullString
		webhookData                    []byte
		qTotal, qCritical, qMajor      sql.NullInt64
		qStatus                        sql.NullString
		createdMs, activityMs, expires int64
	)
	err := row.Scan(
		&sess.ID, &sess.Type, &sess.Status, &sess.ProjectID, &pipelineID,
		&sess.ProjectName, &sess.Branch, &sess.PipelineURL, &sess.JobName, &sess.FailedStage,
		&sess.CurrentFixBranch, &webhookData,
		&qTotal, &qCritical, &qMajor, &qStatus,
		&createdMs, &activityMs, &expires,
	)
	if err != nil {
		return datatypes.Session{}, err
	}

	sess.PipelineID = pipelineID.String
	sess.WebhookData = webhookData
	if qStatus.Valid {
		sess.QualityMetrics = &datatypes.QualityMetrics{
			TotalIssues:    int(qTotal.Int64),
			CriticalIssues: int(qCritical.Int64),
			MajorIssues:    int(qMajor.Int64),
			GateStatus:     qStatus.String,
		}
	}
	sess.CreatedAt = time.UnixMilli(createdMs)
	sess.LastActivityAt = time.UnixMilli(activityMs)
	sess.ExpiresAt = time.UnixMilli(expires)
	return sess, nil
}

func (s *SQLiteStore) findActiveByKeyTx(ctx context.Context, tx *sql.Tx, key datatypes.SessionKey) (datatypes.Session, error) {
	var row *sql.Row
	if key.Type == datatypes.SessionTypeQuality {
		row = tx.QueryRowContext(ctx, `
			SELECT `+sessionColumns+` FROM sessions
			WHERE status = 'active' AND session_type = 'quality' AND project_id = ?`,
			key.ProjectID)
	} else {
		row = tx.QueryRowContext(ctx, `
			SELECT `+sessionColumns+` FROM sessions
			WHERE status = 'active' AND session_type = 'pipeline'
			  AND project_id = ? AND pipeline_id = ?`,
			key.ProjectID, key.PipelineID)
	}

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datatypes.Session{}, ErrSessionNotFound
		}
		return datatypes.Session{}, fmt.Errorf("failed to query active session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (datatypes.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datatypes.Session{}, ErrSessionNotFound
		}
		return datatypes.Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListActiveSessions(ctx context.Context, filter ActiveFilter) ([]datatypes.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = 'active'`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Type != "" {
		query += ` AND session_type = ?`
		args = append(args, string(filter.Type))
	}
	query += ` ORDER BY created_at_ms DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]datatypes.Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, id string, msg datatypes.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := sessionExistsTx(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at_ms) VALUES (?, ?, ?, ?)`,
		id, string(msg.Role), msg.Content, msg.Timestamp.UnixMilli()); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_ms = ? WHERE id = ?`,
		time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetMessages(ctx context.Context, id string) ([]datatypes.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at_ms FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]datatypes.Message, 0)
	for rows.Next() {
		var (
			msg datatypes.Message
			ms  int64
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Timestamp = time.UnixMilli(ms)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// metadataColumns maps UpdateMetadata field names to session columns.
// Unknown fields are silently ignored so callers can pass through snapshots.
var metadataColumns = map[string]string{
	"current_fix_branch": "current_fix_branch",
	"webhook_data":       "webhook_data",
	"project_name":       "project_name",
	"branch":             "branch",
	"pipeline_url":       "pipeline_url",
	"job_name":           "job_name",
	"failed_stage":       "failed_stage",
}

func (s *SQLiteStore) UpdateMetadata(ctx context.Context, id string, fields map[string]any) error {
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for key, value := range fields {
		col, ok := metadataColumns[key]
		if !ok {
			continue
		}
		sets = append(sets, col+" = ?")
		args = append(args, value)
	}
	sets = append(sets, "last_activity_ms = ?")
	args = append(args, time.Now().UnixMilli(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update session metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'expired'
		WHERE status = 'active' AND expires_at_ms < ?`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to mark expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func sessionExistsTx(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	return nil
}
