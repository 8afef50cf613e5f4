// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl runs the background sweep that expires overdue sessions.
//
// Expiry is enforced in two places: lazily, when a webhook hits an overdue
// session, and here, so sessions that never see another webhook still
// transition. Both paths flip status to expired; neither deletes data.
package ttl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianMend/services/remediation/observability"
)

// Expirer is the store surface the sweeper needs.
type Expirer interface {
	MarkExpired(ctx context.Context) (int, error)
}

// Scheduler periodically expires overdue sessions. Uses the ticker + done
// channel pattern for graceful shutdown.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Scheduler struct {
	store    Expirer
	interval time.Duration
	metrics  *observability.Metrics

	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a sweeper over the given store. interval of zero or
// less defaults to 10 minutes.
func NewScheduler(store Expirer, interval time.Duration, metrics *observability.Metrics) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		store:    store,
		interval: interval,
		metrics:  metrics,
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	slog.Info("ttl: session expiry sweeper starting", "interval", s.interval.String())
	go s.runLoop(ctx)
	return nil
}

// Stop signals the sweeper to stop. Safe to call multiple times.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	slog.Info("ttl: session expiry sweeper stopping")
	close(s.done)
	s.running = false
	return nil
}

// RunNow triggers one sweep immediately and reports how many sessions
// expired.
func (s *Scheduler) RunNow(ctx context.Context) (int, error) {
	n, err := s.store.MarkExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("expiry sweep failed: %w", err)
	}
	for i := 0; i < n; i++ {
		s.metrics.RecordSession("all", "expired")
	}
	return n, nil
}

func (s *Scheduler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial sweep on start picks up sessions that expired while the
	// service was down.
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("ttl: sweeper stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("ttl: sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.RunNow(ctx)
	if err != nil {
		slog.Error("ttl: sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("ttl: expired overdue sessions", "count", n)
	} else {
		slog.Debug("ttl: sweep completed, nothing overdue")
	}
}
