// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMend/services/remediation/collab"
	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/queue"
	"github.com/AleutianAI/AleutianMend/services/remediation/retry"
	"github.com/AleutianAI/AleutianMend/services/remediation/store"
)

type scriptedAnalyzer struct {
	mu     sync.Mutex
	calls  []collab.SessionContext
	result collab.AnalysisResult
	err    error
}

func (a *scriptedAnalyzer) Analyze(_ context.Context, sc collab.SessionContext) (collab.AnalysisResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, sc)
	return a.result, a.err
}

// hangingAnalyzer blocks until the per-analysis deadline cancels it.
type hangingAnalyzer struct{}

func (hangingAnalyzer) Analyze(ctx context.Context, _ collab.SessionContext) (collab.AnalysisResult, error) {
	<-ctx.Done()
	return collab.AnalysisResult{}, ctx.Err()
}

type scriptedCache struct {
	mu          sync.Mutex
	stored      []datatypes.HistoricalFix
	similar     []datatypes.SimilarFix
	exploratory []datatypes.SimilarFix
	projects    []string
}

func (c *scriptedCache) StoreFix(_ context.Context, fix datatypes.HistoricalFix) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = append(c.stored, fix)
	return nil
}

func (c *scriptedCache) FindSimilar(_ context.Context, _, projectID string, _ int) []datatypes.SimilarFix {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projects = append(c.projects, projectID)
	return c.similar
}

func (c *scriptedCache) FindExploratory(_ context.Context, _, _ string, _ int) []datatypes.SimilarFix {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exploratory
}

type scriptedRepo struct {
	mu       sync.Mutex
	branches []string
	mrs      []string
	mrURL    string
	mrErr    error
}

func (r *scriptedRepo) CreateBranch(_ context.Context, _, branch, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.branches = append(r.branches, branch)
	return nil
}

func (r *scriptedRepo) CreateMergeRequest(_ context.Context, _, sourceBranch, _, _, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mrErr != nil {
		return "", r.mrErr
	}
	r.mrs = append(r.mrs, sourceBranch)
	return r.mrURL, nil
}

func (r *scriptedRepo) GetRawFile(_ context.Context, _, _, _ string) (string, error) {
	return "", nil
}

type fixture struct {
	pool     *Pool
	store    *store.SQLiteStore
	queue    *queue.InprocBackend
	analyzer *scriptedAnalyzer
	repo     *scriptedRepo
	stop     context.CancelFunc
}

func newFixture(t *testing.T, maxAttempts int, configure ...func(*Pool)) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q := queue.NewInprocBackend(32)
	t.Cleanup(func() { q.Close() })

	analyzer := &scriptedAnalyzer{result: collab.AnalysisResult{Summary: "root cause identified"}}
	repo := &scriptedRepo{mrURL: "https://gitlab.example.com/mr/1"}

	f := &fixture{
		store:    s,
		queue:    q,
		analyzer: analyzer,
		repo:     repo,
		pool: &Pool{
			Queue:           q,
			Store:           s,
			Retry:           &retry.Controller{Store: s, MaxAttempts: maxAttempts},
			Analyzer:        analyzer,
			Repo:            repo,
			Count:           2,
			AnalysisTimeout: 5 * time.Second,
		},
	}

	for _, fn := range configure {
		fn(f.pool)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.stop = cancel
	t.Cleanup(cancel)
	go func() { _ = f.pool.Run(ctx) }()
	return f
}

func (f *fixture) openSession(t *testing.T, pipelineID string) datatypes.Session {
	t.Helper()
	sess, created, err := f.store.CreateOrGetSession(context.Background(),
		datatypes.SessionKey{ProjectID: "101", PipelineID: pipelineID, Type: datatypes.SessionTypePipeline},
		store.SessionSeed{Branch: "main", JobName: "unit-tests", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, created)
	return sess
}

func TestPoolProcessesAnalysis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	sess := f.openSession(t, "42")

	require.NoError(t, f.queue.Publish(ctx, datatypes.QueueMessage{
		EventType:  datatypes.EventPipelineFailed,
		SessionID:  sess.ID,
		DeliveryID: "d-1",
	}))

	require.Eventually(t, func() bool {
		done, err := f.store.IsEventProcessed(ctx, "d-1")
		return err == nil && done
	}, 5*time.Second, 10*time.Millisecond)

	msgs, err := f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, datatypes.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "root cause identified", msgs[0].Content)
}

func TestPoolRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	sess := f.openSession(t, "42")

	msg := datatypes.QueueMessage{
		EventType:  datatypes.EventPipelineFailed,
		SessionID:  sess.ID,
		DeliveryID: "d-dup",
	}
	require.NoError(t, f.queue.Publish(ctx, msg))
	require.NoError(t, f.queue.Publish(ctx, msg))

	require.Eventually(t, func() bool {
		done, err := f.store.IsEventProcessed(ctx, "d-dup")
		return err == nil && done
	}, 5*time.Second, 10*time.Millisecond)

	// Give the duplicate time to be consumed and skipped.
	require.Eventually(t, func() bool {
		msgs, err := f.store.GetMessages(ctx, sess.ID)
		return err == nil && len(msgs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	msgs, err := f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPoolProposesFix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.analyzer.result = collab.AnalysisResult{
		Summary:      "missing mock in db test",
		ProposeFix:   true,
		BranchName:   "fix/db-mock",
		FilesTouched: []string{"db_test.go"},
	}
	sess := f.openSession(t, "42")

	require.NoError(t, f.queue.Publish(ctx, datatypes.QueueMessage{
		EventType:  datatypes.EventPipelineFailed,
		SessionID:  sess.ID,
		DeliveryID: "d-fix",
	}))

	require.Eventually(t, func() bool {
		attempts, err := f.store.GetFixAttempts(ctx, sess.ID)
		return err == nil && len(attempts) == 1 && attempts[0].MergeRequest != ""
	}, 5*time.Second, 10*time.Millisecond)

	attempts, err := f.store.GetFixAttempts(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, "fix/db-mock", attempts[0].BranchName)
	assert.Equal(t, datatypes.FixAttemptPending, attempts[0].Status)
	assert.Equal(t, "https://gitlab.example.com/mr/1", attempts[0].MergeRequest)

	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	assert.Equal(t, []string{"fix/db-mock"}, f.repo.branches)

	tracked, err := f.store.GetTrackedFiles(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, "db_test.go", tracked[0].Path)
}

func TestPoolRecordsAnalysisTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, func(p *Pool) {
		p.Analyzer = hangingAnalyzer{}
		p.AnalysisTimeout = 50 * time.Millisecond
	})
	sess := f.openSession(t, "42")

	require.NoError(t, f.queue.Publish(ctx, datatypes.QueueMessage{
		EventType: datatypes.EventPipelineFailed, SessionID: sess.ID, DeliveryID: "d-slow",
	}))

	require.Eventually(t, func() bool {
		msgs, err := f.store.GetMessages(ctx, sess.ID)
		return err == nil && len(msgs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	msgs, err := f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Analysis failed")
	assert.Contains(t, msgs[0].Content, "timed out")

	// Redeliveries retry the analysis but never duplicate the note.
	time.Sleep(400 * time.Millisecond)
	msgs, err = f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SessionStatusActive, got.Status)
}

func TestPoolFixCache(t *testing.T) {
	ctx := context.Background()

	t.Run("scopes lookups to the project and offers exploratory context", func(t *testing.T) {
		cache := &scriptedCache{
			exploratory: []datatypes.SimilarFix{{Description: "bump flaky test timeout", Similarity: 0.8, Score: 0.8}},
		}
		f := newFixture(t, 3, func(p *Pool) { p.Cache = cache })
		sess := f.openSession(t, "42")

		require.NoError(t, f.queue.Publish(ctx, datatypes.QueueMessage{
			EventType: datatypes.EventPipelineFailed, SessionID: sess.ID, DeliveryID: "d-cache",
		}))
		require.Eventually(t, func() bool {
			done, err := f.store.IsEventProcessed(ctx, "d-cache")
			return err == nil && done
		}, 5*time.Second, 10*time.Millisecond)

		cache.mu.Lock()
		projects := append([]string(nil), cache.projects...)
		cache.mu.Unlock()
		require.Len(t, projects, 1)
		assert.Equal(t, "101", projects[0])

		f.analyzer.mu.Lock()
		defer f.analyzer.mu.Unlock()
		require.Len(t, f.analyzer.calls, 1)
		assert.Empty(t, f.analyzer.calls[0].SimilarFixes)
		require.Len(t, f.analyzer.calls[0].ExploratoryFixes, 1)
		assert.Equal(t, "bump flaky test timeout", f.analyzer.calls[0].ExploratoryFixes[0].Description)
	})

	t.Run("confirmed suggestions suppress exploratory ones", func(t *testing.T) {
		cache := &scriptedCache{
			similar:     []datatypes.SimilarFix{{Description: "pin the postgres image", Similarity: 0.9, SuccessRate: 1, Score: 0.93}},
			exploratory: []datatypes.SimilarFix{{Description: "bump flaky test timeout"}},
		}
		f := newFixture(t, 3, func(p *Pool) { p.Cache = cache })
		sess := f.openSession(t, "42")

		require.NoError(t, f.queue.Publish(ctx, datatypes.QueueMessage{
			EventType: datatypes.EventPipelineFailed, SessionID: sess.ID, DeliveryID: "d-cache2",
		}))
		require.Eventually(t, func() bool {
			done, err := f.store.IsEventProcessed(ctx, "d-cache2")
			return err == nil && done
		}, 5*time.Second, 10*time.Millisecond)

		f.analyzer.mu.Lock()
		defer f.analyzer.mu.Unlock()
		require.Len(t, f.analyzer.calls, 1)
		require.Len(t, f.analyzer.calls[0].SimilarFixes, 1)
		assert.Equal(t, "pin the postgres image", f.analyzer.calls[0].SimilarFixes[0].Description)
		assert.Empty(t, f.analyzer.calls[0].ExploratoryFixes)
	})

	t.Run("an opened merge request is archived unconfirmed", func(t *testing.T) {
		cache := &scriptedCache{}
		f := newFixture(t, 3, func(p *Pool) { p.Cache = cache })
		f.analyzer.result = collab.AnalysisResult{
			Summary:      "missing mock in db test",
			ProposeFix:   true,
			BranchName:   "fix/db-mock",
			FilesTouched: []string{"db_test.go"},
		}
		sess := f.openSession(t, "42")

		require.NoError(t, f.queue.Publish(ctx, datatypes.QueueMessage{
			EventType: datatypes.EventPipelineFailed, SessionID: sess.ID, DeliveryID: "d-cache3",
		}))
		require.Eventually(t, func() bool {
			cache.mu.Lock()
			defer cache.mu.Unlock()
			return len(cache.stored) == 1
		}, 5*time.Second, 10*time.Millisecond)

		cache.mu.Lock()
		defer cache.mu.Unlock()
		assert.False(t, cache.stored[0].Confirmed)
		assert.Equal(t, "101", cache.stored[0].ProjectID)
		assert.Equal(t, "missing mock in db test", cache.stored[0].Description)
		assert.Equal(t, []string{"db_test.go"}, cache.stored[0].FilesChanged)
	})
}

func TestPoolStopsAtBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	f.analyzer.result = collab.AnalysisResult{
		Summary:    "another theory",
		ProposeFix: true,
		BranchName: "fix/theory",
	}
	sess := f.openSession(t, "42")

	require.NoError(t, f.queue.Publish(ctx, datatypes.QueueMessage{
		EventType: datatypes.EventPipelineFailed, SessionID: sess.ID, DeliveryID: "d-1",
	}))
	require.Eventually(t, func() bool {
		done, err := f.store.IsEventProcessed(ctx, "d-1")
		return err == nil && done
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.queue.Publish(ctx, datatypes.QueueMessage{
		EventType: datatypes.EventUserMessage, SessionID: sess.ID, DeliveryID: "d-2",
	}))
	require.Eventually(t, func() bool {
		done, err := f.store.IsEventProcessed(ctx, "d-2")
		return err == nil && done
	}, 5*time.Second, 10*time.Millisecond)

	attempts, err := f.store.GetFixAttempts(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1, "budget of one is never exceeded")

	// The exhaustion advisory landed in the transcript.
	msgs, err := f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	var foundAdvisory bool
	for _, m := range msgs {
		if m.Role == datatypes.RoleSystem && strings.Contains(m.Content, "Automated fixes stopped") {
			foundAdvisory = true
		}
	}
	assert.True(t, foundAdvisory)
}

func TestPoolWithoutAnalyzer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3, func(p *Pool) { p.Analyzer = nil })
	sess := f.openSession(t, "42")

	require.NoError(t, f.queue.Publish(ctx, datatypes.QueueMessage{
		EventType: datatypes.EventPipelineFailed, SessionID: sess.ID, DeliveryID: "d-noagent",
	}))

	require.Eventually(t, func() bool {
		done, err := f.store.IsEventProcessed(ctx, "d-noagent")
		return err == nil && done
	}, 5*time.Second, 10*time.Millisecond)

	msgs, err := f.store.GetMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, datatypes.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "manual follow-up")
}

func TestPoolDropsUnknownSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	require.NoError(t, f.queue.Publish(ctx, datatypes.QueueMessage{
		EventType: datatypes.EventPipelineFailed, SessionID: "ghost", DeliveryID: "d-ghost",
	}))

	// The message is acked (dropped), not redelivered forever.
	time.Sleep(300 * time.Millisecond)
	f.analyzer.mu.Lock()
	defer f.analyzer.mu.Unlock()
	assert.Empty(t, f.analyzer.calls)
}

func TestKeyedMutex(t *testing.T) {
	t.Run("serializes the same key", func(t *testing.T) {
		km := newKeyedMutex()
		var inCritical, maxInCritical int
		var mu sync.Mutex
		var wg sync.WaitGroup

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				km.Lock("sess-1")
				defer km.Unlock("sess-1")
				mu.Lock()
				inCritical++
				if inCritical > maxInCritical {
					maxInCritical = inCritical
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inCritical--
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxInCritical)
	})

	t.Run("releases entries when unused", func(t *testing.T) {
		km := newKeyedMutex()
		km.Lock("a")
		km.Unlock("a")
		km.mu.Lock()
		defer km.mu.Unlock()
		assert.Empty(t, km.locks)
	})
}
