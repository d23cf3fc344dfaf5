// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package notification implements the per-job milestone tracker and the
// typed notification builders (progress, completion, warning, error),
// including do-not-disturb suppression and taskbar progress.
package notification

import (
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/peftkit/orchestrator/api"
)

// milestones are the progress percentages that trigger a notification,
// evaluated in ascending order.
var milestones = []int{25, 50, 75, 100}

// autoCriticalErrors escalate an error notification's urgency to
// critical regardless of the anomaly severity that produced it.
var autoCriticalErrors = map[string]bool{
	"oom_error":    true,
	"cuda_error":   true,
	"system_crash": true,
}

// DNDChecker reports whether the user currently has do-not-disturb
// enabled. Detection is platform-specific and best-effort; a DNDChecker
// that cannot determine the state must return false ("not in DND")
// rather than block or panic.
type DNDChecker func() bool

// jobState tracks one job's milestone progress.
type jobState struct {
	sentMilestones map[int]bool
	lastStep       int
}

// Engine is the stateful per-job notification tracker described in
// §4.C. The zero value is not usable; construct with NewEngine.
type Engine struct {
	mu    sync.Mutex
	jobs  map[string]*jobState
	dnd   DNDChecker
	print *message.Printer
}

// NewEngine creates an Engine. dnd may be nil, in which case
// do-not-disturb is always treated as off.
func NewEngine(dnd DNDChecker) *Engine {
	if dnd == nil {
		dnd = func() bool { return false }
	}
	return &Engine{
		jobs:  make(map[string]*jobState),
		dnd:   dnd,
		print: message.NewPrinter(language.English),
	}
}

func (e *Engine) state(jobID string) *jobState {
	s, ok := e.jobs[jobID]
	if !ok {
		s = &jobState{sentMilestones: make(map[int]bool)}
		e.jobs[jobID] = s
	}
	return s
}

// CheckProgress evaluates every milestone crossed between previousStep
// and currentStep (exclusive/inclusive per §4.C's formula) and returns
// the notification for the highest newly-crossed milestone, plus
// whether it should actually be delivered (false when do-not-disturb
// suppressed it — the milestone is still marked sent either way, so it
// is never re-evaluated).
func (e *Engine) CheckProgress(jobID string, previousStep, currentStep, totalSteps int) (*api.Notification, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.state(jobID)
	if currentStep > st.lastStep {
		st.lastStep = currentStep
	}
	if totalSteps <= 0 {
		return nil, false
	}

	var crossed int
	found := false
	for _, m := range milestones {
		if st.sentMilestones[m] {
			continue
		}
		prevPct := 100 * previousStep / totalSteps
		curPct := 100 * currentStep / totalSteps
		if prevPct < m && m <= curPct {
			crossed = m
			found = true
		}
	}
	if !found {
		return nil, false
	}
	st.sentMilestones[crossed] = true

	n := e.buildMilestoneNotification(crossed, currentStep, totalSteps)
	if e.dnd() {
		return &n, false
	}
	return &n, true
}

func (e *Engine) buildMilestoneNotification(milestone, currentStep, totalSteps int) api.Notification {
	progress := taskbarProgress(currentStep, totalSteps)
	now := time.Now()
	m := milestone

	if milestone == 100 {
		return api.Notification{
			Type:            api.NotificationCompletion,
			Title:           "Training complete",
			Body:            e.print.Sprintf("Training finished at step %d of %d (100%% complete)", currentStep, totalSteps),
			Milestone:       &m,
			Urgency:         api.UrgencyNormal,
			Sound:           true,
			TaskbarProgress: &progress,
			RespectDND:      true,
			CreatedAt:       now,
		}
	}

	return api.Notification{
		Type:            api.NotificationProgress,
		Title:           "Training progress",
		Body:            e.print.Sprintf("Training reached %d%% (step %d of %d)", milestone, currentStep, totalSteps),
		Milestone:       &m,
		Urgency:         api.UrgencyNormal,
		Sound:           false,
		TaskbarProgress: &progress,
		RespectDND:      true,
		CreatedAt:       now,
	}
}

// CreateError builds an error notification. kind is a short machine
// tag (e.g. "oom_error", "cuda_error", "connector_permanent"); known
// auto-critical kinds escalate to critical urgency. Errors always
// respect_dnd=false so they reach the user regardless of suppression.
func (e *Engine) CreateError(jobID, kind, message string) api.Notification {
	urgency := api.UrgencyHigh
	if autoCriticalErrors[kind] {
		urgency = api.UrgencyCritical
	}
	return api.Notification{
		Type:       api.NotificationError,
		Title:      "Training error",
		Body:       message,
		Urgency:    urgency,
		Sound:      true,
		RespectDND: false,
		CreatedAt:  time.Now(),
	}
}

// CreateWarning builds a medium-severity warning notification,
// consulting do-not-disturb like progress notifications. The second
// return value reports whether it should be delivered.
func (e *Engine) CreateWarning(jobID, message string) (api.Notification, bool) {
	n := api.Notification{
		Type:       api.NotificationWarning,
		Title:      "Training warning",
		Body:       message,
		Urgency:    api.UrgencyNormal,
		RespectDND: true,
		CreatedAt:  time.Now(),
	}
	return n, !e.dnd()
}

// taskbarProgress implements §4.C: clamp(current/total, 0, 1).
func taskbarProgress(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(current) / float64(total)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Clear drops all tracked milestone state for a job, used when a job is
// cleaned up from the live set.
func (e *Engine) Clear(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, jobID)
}
