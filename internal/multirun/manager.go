// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package multirun provides the fleet-level view over every job the
// kernel knows about: which are active right now, a filtered/paginated
// history of completed and in-flight runs, and aggregate concurrency
// stats. It keeps internal/store's durable record in sync with
// internal/jobmachine's live actors via Machine.OnChange. Active,
// History and Stats read the store rows; Details returns a live job's
// Machine snapshot and falls back to the store's last-known row once
// the live actor is gone.
package multirun

import (
	"context"
	"sort"
	"strings"
	"time"

	stderrors "errors"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/internal/jobmachine"
	"github.com/peftkit/orchestrator/internal/store"
	"github.com/peftkit/orchestrator/pkg/errors"
	"github.com/peftkit/orchestrator/pkg/logging"
)

// Manager is the multi-run ledger: a thin read/filter/aggregate layer
// over internal/store, kept current by subscribing to every job
// mutation internal/jobmachine reports.
type Manager struct {
	store   *store.Store
	machine *jobmachine.Machine
	logger  logging.Logger
	collate *collate.Collator
}

// New creates a Manager over st and machine. It registers itself as
// machine's sole OnChange callback, so constructing more than one
// Manager over the same Machine will silently drop the first one's
// sync — callers are expected to build exactly one per process, as
// with the rest of the kernel's singletons.
func New(st *store.Store, machine *jobmachine.Machine, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	m := &Manager{
		store:   st,
		machine: machine,
		logger:  logger,
		collate: collate.New(language.Und),
	}
	machine.OnChange(func(job api.Job) {
		if err := st.Upsert(context.Background(), job); err != nil {
			logger.Warn("multirun sync failed", "job_id", job.JobID, "error", err.Error())
		}
	})
	return m
}

// SyncJob upserts job's current state into the durable store directly.
// Normal operation never needs this — Machine.OnChange keeps the store
// current automatically — but it lets a caller force a sync (e.g. after
// rehydrating jobs from the store at startup, before any live mutation
// has occurred to trigger OnChange).
func (m *Manager) SyncJob(ctx context.Context, job api.Job) error {
	return m.store.Upsert(ctx, job)
}

// candidateLimit bounds how many stored rows Active/History/Stats pull
// back before applying api.RunFilter's richer-than-SQL predicate set in
// Go. It is generous enough to cover any realistically concurrent
// fleet; a deployment tracking more than this many historical jobs
// should be querying the store directly rather than through this
// in-memory filter path.
const candidateLimit = 1 << 16

// Active returns a summary of every job not yet in a terminal state.
func (m *Manager) Active(ctx context.Context) ([]api.RunSummary, error) {
	jobs, err := m.store.List(ctx, store.Query{Limit: candidateLimit})
	if err != nil {
		return nil, err
	}

	var out []api.RunSummary
	for _, job := range jobs {
		if !job.State.Terminal() {
			out = append(out, summarize(job))
		}
	}
	m.sortByStartDesc(out)
	return out, nil
}

// History returns a filtered, sorted, paginated view of every job the
// store holds, most recently started first (ties broken by run name,
// i.e. the project name or else the base model, via collation so the order is stable and locale-aware rather than a
// raw byte comparison).
func (m *Manager) History(ctx context.Context, filter api.RunFilter, limit, offset int) ([]api.RunSummary, error) {
	jobs, err := m.store.List(ctx, store.Query{Limit: candidateLimit})
	if err != nil {
		return nil, err
	}

	var matched []api.RunSummary
	for _, job := range jobs {
		if matches(job, filter) {
			matched = append(matched, summarize(job))
		}
	}
	m.sortByStartDesc(matched)

	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// Stats aggregates the fleet's current concurrency picture.
func (m *Manager) Stats(ctx context.Context) (api.ConcurrentRunStats, error) {
	jobs, err := m.store.List(ctx, store.Query{Limit: candidateLimit})
	if err != nil {
		return api.ConcurrentRunStats{}, err
	}

	stats := api.ConcurrentRunStats{ActiveProviders: make(map[string]int)}
	for _, job := range jobs {
		switch job.State {
		case api.StateRunning:
			stats.Running++
			stats.TotalActive++
		case api.StatePaused:
			stats.Paused++
			stats.TotalActive++
		case api.StateCreated, api.StateInitializing:
			stats.TotalActive++
		case api.StateCompleted:
			stats.TotalCompleted++
		case api.StateFailed:
			stats.TotalFailed++
		}
		if !job.State.Terminal() && job.Provider != "" {
			stats.ActiveProviders[job.Provider]++
		}
	}
	return stats, nil
}

// Details returns jobID's current summary, preferring the live
// Machine's snapshot (authoritative while the job's actor still runs)
// and falling back to the store's last-synced row once the actor has
// been cleaned up.
func (m *Manager) Details(ctx context.Context, jobID string) (api.RunSummary, error) {
	if job, err := m.machine.Status(jobID); err == nil {
		return summarize(job), nil
	} else if !stderrors.Is(err, errors.New(errors.KindNotFound, "")) {
		return api.RunSummary{}, err
	}

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return api.RunSummary{}, err
	}
	return summarize(*job), nil
}

// Cancel stops jobID's live run. It delegates entirely to
// internal/jobmachine, which is the only component allowed to mutate a
// job's state.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	return m.machine.Stop(ctx, jobID)
}

// Cleanup drops jobID's live actor (mailbox, subscribers, detector and
// notifier state) while leaving its durable store row untouched, so
// History/Details keep answering for it after cleanup.
func (m *Manager) Cleanup(ctx context.Context, jobID string) error {
	m.machine.Destroy(jobID)
	return nil
}

func (m *Manager) sortByStartDesc(runs []api.RunSummary) {
	sort.SliceStable(runs, func(i, j int) bool {
		ti, tj := startOrZero(runs[i]), startOrZero(runs[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return m.collate.CompareString(runs[i].Name, runs[j].Name) < 0
	})
}

func startOrZero(r api.RunSummary) time.Time {
	if r.StartedAt != nil {
		return *r.StartedAt
	}
	return time.Time{}
}

// matches reports whether job satisfies every constraint filter sets.
// An unset (zero-value) field contributes no constraint; set Statuses/
// Providers/JobIDs are membership tests, DateFrom/DateTo bound the
// job's effective start time, and ModelName is a case-insensitive
// substring match against the base model.
func matches(job api.Job, filter api.RunFilter) bool {
	if len(filter.Statuses) > 0 && !containsState(filter.Statuses, job.State) {
		return false
	}
	if len(filter.Providers) > 0 && !containsString(filter.Providers, job.Provider) {
		return false
	}
	if len(filter.JobIDs) > 0 && !containsString(filter.JobIDs, job.JobID) {
		return false
	}
	if filter.ModelName != "" && !strings.Contains(strings.ToLower(job.Config.BaseModel), strings.ToLower(filter.ModelName)) {
		return false
	}
	if !filter.DateFrom.IsZero() {
		start := startTimeOf(job)
		if start == nil || start.Before(filter.DateFrom) {
			return false
		}
	}
	if !filter.DateTo.IsZero() {
		start := startTimeOf(job)
		if start == nil || start.After(filter.DateTo) {
			return false
		}
	}
	return true
}

func startTimeOf(job api.Job) *time.Time {
	if job.StartedAt != nil {
		return job.StartedAt
	}
	return nil
}

func containsState(set []api.TrainingState, v api.TrainingState) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// summarize condenses a full Job into the view History/Active/Details
// expose.
func summarize(job api.Job) api.RunSummary {
	name := job.Config.ProjectName
	if name == "" {
		name = job.Config.BaseModel
	}

	totalSteps := job.Config.MaxSteps
	out := api.RunSummary{
		JobID:        job.JobID,
		Name:         name,
		Status:       job.State,
		Provider:     job.Provider,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		TotalSteps:   totalSteps,
		ErrorMessage: job.ErrorMessage,
	}

	if job.CurrentMetrics != nil {
		out.CurrentStep = job.CurrentMetrics.Step
		loss := job.CurrentMetrics.Loss
		out.CurrentLoss = &loss
	}
	if job.QualityAnalysis != nil {
		finalLoss := job.QualityAnalysis.FinalLoss
		out.FinalLoss = &finalLoss
	}
	if totalSteps > 0 {
		out.ProgressPercent = 100 * float64(out.CurrentStep) / float64(totalSteps)
	}

	end := time.Now()
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	if job.StartedAt != nil {
		out.DurationSeconds = end.Sub(*job.StartedAt).Seconds()
	}

	return out
}
