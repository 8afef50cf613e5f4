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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

// SQLiteStore implements SessionStore on a local SQLite database.
//
// SQLite's single-writer model plus immediate transactions gives us the
// per-session serialization the data model requires without any in-process
// locking.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	session_type        TEXT NOT NULL CHECK (session_type IN ('pipeline', 'quality')),
	status              TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'resolved', 'expired')),
	project_id          TEXT NOT NULL,
	pipeline_id         TEXT,
	project_name        TEXT NOT NULL DEFAULT '',
	branch              TEXT NOT NULL DEFAULT '',
	pipeline_url        TEXT NOT NULL DEFAULT '',
	job_name            TEXT NOT NULL DEFAULT '',
	failed_stage        TEXT NOT NULL DEFAULT '',
	current_fix_branch  TEXT NOT NULL DEFAULT '',
	webhook_data        BLOB,
	quality_total       INTEGER,
	quality_critical    INTEGER,
	quality_major       INTEGER,
	quality_gate_status TEXT,
	created_at_ms       INTEGER NOT NULL,
	last_activity_ms    INTEGER NOT NULL,
	expires_at_ms       INTEGER NOT NULL
);

-- The dedup invariant: one active session per (project, pipeline) and one
-- active quality session per project. Losing writers of a concurrent
-- create race hit these indexes and fall back to the existing row.
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_pipeline
	ON sessions(project_id, pipeline_id)
	WHERE status = 'active' AND session_type = 'pipeline';
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_quality
	ON sessions(project_id)
	WHERE status = 'active' AND session_type = 'quality';
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, expires_at_ms);

CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

CREATE TABLE IF NOT EXISTS fix_attempts (
	session_id     TEXT NOT NULL REFERENCES sessions(id),
	attempt_number INTEGER NOT NULL,
	branch_name    TEXT NOT NULL,
	files_touched  TEXT NOT NULL DEFAULT '[]',
	status         TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'success', 'failed')),
	merge_request  TEXT NOT NULL DEFAULT '',
	created_at_ms  INTEGER NOT NULL,
	PRIMARY KEY (session_id, attempt_number)
);
CREATE INDEX IF NOT EXISTS idx_attempts_branch ON fix_attempts(branch_name, status);

CREATE TABLE IF NOT EXISTS tracked_files (
	session_id    TEXT NOT NULL,
	path          TEXT NOT NULL,
	content       TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'success',
	updated_at_ms INTEGER NOT NULL,
	PRIMARY KEY (session_id, path)
);

CREATE TABLE IF NOT EXISTS processed_events (
	delivery_id     TEXT PRIMARY KEY,
	processed_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	source        TEXT NOT NULL,
	secret        TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	UNIQUE (source, project_id)
);
`

// NewSQLiteStore opens (creating if needed) the session database at dbPath.
// Pass ":memory:" for an in-memory database in tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := "file::memory:?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite handles concurrency better with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("store: session database ready", "path", dbPath)
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Sessions
// =============================================================================

func (s *SQLiteStore) CreateOrGetSession(ctx context.Context, key datatypes.SessionKey, seed SessionSeed) (datatypes.Session, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return datatypes.Session{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	existing, err := s.findActiveByKeyTx(ctx, tx, key)
	if err == nil {
		// Lazy expiry check: an overdue session does not block a new one.
		if existing.IsExpired(now) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET status = 'expired' WHERE id = ?`, existing.ID); err != nil {
				return datatypes.Session{}, false, fmt.Errorf("failed to expire stale session: %w", err)
			}
		} else {
			// Duplicate delivery: refresh snapshot and activity, no new session.
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET webhook_data = ?, last_activity_ms = ? WHERE id = ?`,
				seed.WebhookData, now.UnixMilli(), existing.ID); err != nil {
				return datatypes.Session{}, false, fmt.Errorf("failed to refresh session: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return datatypes.Session{}, false, fmt.Errorf("failed to commit: %w", err)
			}
			existing.WebhookData = seed.WebhookData
			existing.LastActivityAt = now
			return existing, false, nil
		}
	} else if err != ErrSessionNotFound {
		return datatypes.Session{}, false, err
	}

	expiresAt := seed.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(4 * time.Hour)
	}

	sess := datatypes.Session{
		ID:             uuid.NewString(),
		Type:           key.Type,
		Status:         datatypes.SessionStatusActive,
		ProjectID:      key.ProjectID,
		PipelineID:     key.PipelineID,
		ProjectName:    seed.ProjectName,
		Branch:         seed.Branch,
		PipelineURL:    seed.PipelineURL,
		JobName:        seed.JobName,
		FailedStage:    seed.FailedStage,
		WebhookData:    seed.WebhookData,
		QualityMetrics: seed.Quality,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      expiresAt,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, session_type, status, project_id, pipeline_id,
			project_name, branch, pipeline_url, job_name, failed_stage,
			webhook_data, quality_total, quality_critical, quality_major, quality_gate_status,
			created_at_ms, last_activity_ms, expires_at_ms
		) VALUES (?, ?, 'active', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Type), sess.ProjectID, nullable(sess.PipelineID),
		sess.ProjectName, sess.Branch, sess.PipelineURL, sess.JobName, sess.FailedStage,
		sess.WebhookData, qualityField(seed.Quality, "total"), qualityField(seed.Quality, "critical"),
		qualityField(seed.Quality, "major"), qualityStatus(seed.Quality),
		now.UnixMilli(), now.UnixMilli(), expiresAt.UnixMilli())
	if err != nil {
		// A concurrent delivery for the same key may have won the insert
		// race. The partial unique index turns that into a constraint
		// error; fall back to "found existing" semantics.
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			return s.CreateOrGetSession(ctx, key, seed)
		}
		return datatypes.Session{}, false, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return datatypes.Session{}, false, fmt.Errorf("failed to commit: %w", err)
	}
	return sess, true, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func qualityField(q *datatypes.QualityMetrics, which string) any {
	if q == nil {
		return nil
	}
	switch which {
	case "total":
		return q.TotalIssues
	case "critical":
		return q.CriticalIssues
	case "major":
		return q.MajorIssues
	}
	return nil
}

func qualityStatus(q *datatypes.QualityMetrics) any {
	if q == nil {
		return nil
	}
	return q.GateStatus
}
