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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

func (s *SQLiteStore) CreateFixAttempt(ctx context.Context, id, branch string, files []string) (int, error) {
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return 0, fmt.Errorf("failed to encode files list: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check session: %w", err)
	}
	if status != string(datatypes.SessionStatusActive) {
		return 0, ErrSessionNotActive
	}

	// A session never fans out concurrent fixes: a new attempt supersedes
	// any still-pending predecessor.
	if _, err := tx.ExecContext(ctx, `
		UPDATE fix_attempts SET status = 'failed'
		WHERE session_id = ? AND status = 'pending'`, id); err != nil {
		return 0, fmt.Errorf("failed to supersede pending attempt: %w", err)
	}

	// Next contiguous attempt number. The transaction serializes assignment;
	// the (session_id, attempt_number) primary key backs it up.
	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM fix_attempts WHERE session_id = ?`,
		id).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to assign attempt number: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fix_attempts (session_id, attempt_number, branch_name, files_touched, status, created_at_ms)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		id, next, branch, string(filesJSON), now.UnixMilli()); err != nil {
		return 0, fmt.Errorf("failed to insert fix attempt: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET current_fix_branch = ?, last_activity_ms = ? WHERE id = ?`,
		branch, now.UnixMilli(), id); err != nil {
		return 0, fmt.Errorf("failed to update session branch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) UpdateFixAttempt(ctx context.Context, id string, attemptNumber int, status datatypes.FixAttemptStatus, mergeRequest string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE fix_attempts
		SET status = ?,
		    merge_request = CASE WHEN ? != '' THEN ? ELSE merge_request END
		WHERE session_id = ? AND attempt_number = ?`,
		string(status), mergeRequest, mergeRequest, id, attemptNumber)
	if err != nil {
		return fmt.Errorf("failed to update fix attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (s *SQLiteStore) GetFixAttempts(ctx context.Context, id string) ([]datatypes.FixAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, attempt_number, branch_name, files_touched, status, merge_request, created_at_ms
		FROM fix_attempts WHERE session_id = ? ORDER BY attempt_number`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query fix attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]datatypes.FixAttempt, 0)
	for rows.Next() {
		att, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, att)
	}
	return attempts, rows.Err()
}

func (s *SQLiteStore) FindPendingAttemptByBranch(ctx context.Context, projectID, branch string) (datatypes.Session, datatypes.FixAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.session_id, a.attempt_number, a.branch_name, a.files_touched, a.status, a.merge_request, a.created_at_ms
		FROM fix_attempts a
		JOIN sessions s ON s.id = a.session_id
		WHERE s.status = 'active' AND s.project_id = ?
		  AND a.branch_name = ? AND a.status = 'pending'
		ORDER BY a.created_at_ms DESC
		LIMIT 1`, projectID, branch)

	att, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datatypes.Session{}, datatypes.FixAttempt{}, ErrAttemptNotFound
		}
		return datatypes.Session{}, datatypes.FixAttempt{}, err
	}

	sess, err := s.GetSession(ctx, att.SessionID)
	if err != nil {
		return datatypes.Session{}, datatypes.FixAttempt{}, err
	}
	return sess, att, nil
}

func (s *SQLiteStore) MarkResolved(ctx context.Context, id string, attemptNumber int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE fix_attempts SET status = 'success'
		WHERE session_id = ? AND attempt_number = ? AND status = 'pending'`,
		id, attemptNumber)
	if err != nil {
		return fmt.Errorf("failed to mark attempt success: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAttemptNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = 'resolved', current_fix_branch = '', last_activity_ms = ?
		WHERE id = ?`, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to mark session resolved: %w", err)
	}
	return tx.Commit()
}

func scanAttempt(row rowScanner) (datatypes.FixAttempt, error) {
	var (
		att       datatypes.FixAttempt
		filesJSON string
		createdMs int64
	)
	if err := row.Scan(&att.SessionID, &att.AttemptNumber, &att.BranchName,
		&filesJSON, &att.Status, &att.MergeRequest, &createdMs); err != nil {
		return datatypes.FixAttempt{}, err
	}
	if err := json.Unmarshal([]byte(filesJSON), &att.FilesTouched); err != nil {
		att.FilesTouched = nil
	}
	att.CreatedAt = time.UnixMilli(createdMs)
	return att, nil
}
