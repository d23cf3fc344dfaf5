// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package api

import "time"

// RunFilter narrows a History query. Zero-value fields are unset and
// contribute no constraint. Statuses/Providers are sets: a job matches
// if its value appears in the set (an empty set is unconstrained).
type RunFilter struct {
	Statuses  []TrainingState
	Providers []string
	DateFrom  time.Time
	DateTo    time.Time
	ModelName string
	JobIDs    []string
}

// RunSummary is the condensed view of a job used by history and active
// run listings, grounded on the multi-run ledger's per-job projection.
type RunSummary struct {
	JobID            string        `json:"job_id"`
	Name             string        `json:"name"`
	Status           TrainingState `json:"status"`
	Provider         string        `json:"provider"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	DurationSeconds  float64       `json:"duration_seconds"`
	CurrentStep      int           `json:"current_step"`
	TotalSteps       int           `json:"total_steps"`
	ProgressPercent  float64       `json:"progress_percent"`
	CurrentLoss      *float64      `json:"current_loss,omitempty"`
	FinalLoss        *float64      `json:"final_loss,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}

// ConcurrentRunStats summarizes the fleet of jobs currently tracked by
// the ledger.
type ConcurrentRunStats struct {
	TotalActive      int            `json:"total_active"`
	Running          int            `json:"running"`
	Paused           int            `json:"paused"`
	TotalCompleted   int            `json:"total_completed"`
	TotalFailed      int            `json:"total_failed"`
	ActiveProviders  map[string]int `json:"active_providers"`
}
