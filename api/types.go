// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package api holds the hand-written, version-agnostic domain types shared
// across the training orchestration kernel: Job, Config, MetricsSample,
// Checkpoint, Anomaly, Notification, Artifact, and ConnectorRecord. There is
// no upstream OpenAPI document for this domain, so these types are
// hand-written rather than generated.
package api

import (
	"time"
)

// TrainingState is a Job's position in the state machine:
// CREATED -> INITIALIZING -> RUNNING <-> PAUSED -> {COMPLETED, FAILED, STOPPED}.
type TrainingState string

const (
	StateCreated      TrainingState = "created"
	StateInitializing TrainingState = "initializing"
	StateRunning      TrainingState = "running"
	StatePaused       TrainingState = "paused"
	StateCompleted    TrainingState = "completed"
	StateFailed       TrainingState = "failed"
	StateStopped      TrainingState = "stopped"
)

// Terminal reports whether the state is absorbing.
func (s TrainingState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStopped:
		return true
	default:
		return false
	}
}

// Algorithm identifies a PEFT training algorithm family.
type Algorithm string

const (
	AlgorithmLoRA   Algorithm = "lora"
	AlgorithmQLoRA  Algorithm = "qlora"
	AlgorithmDoRA   Algorithm = "dora"
	AlgorithmPiSSA  Algorithm = "pissa"
	AlgorithmRSLoRA Algorithm = "rslora"
)

// Config is the immutable training configuration a caller submits with a
// job. Validate enforces the §4.F submit rules plus the embedded OpenAPI
// schema bounds (rank/alpha/dropout ranges, enum membership).
type Config struct {
	BaseModel   string    `json:"base_model"`
	DatasetPath string    `json:"dataset_path"`
	Algorithm   Algorithm `json:"algorithm"`

	Rank         int     `json:"rank"`
	Alpha        float64 `json:"alpha"`
	Dropout      float64 `json:"dropout"`
	TargetModules []string `json:"target_modules,omitempty"`

	Optimizer    string `json:"optimizer"`
	Scheduler    string `json:"scheduler"`
	Precision    string `json:"precision"`
	Quantization string `json:"quantization,omitempty"`

	BatchSize            int `json:"batch_size"`
	GradientAccumulation int `json:"gradient_accumulation"`
	NumEpochs            int `json:"num_epochs,omitempty"`
	MaxSteps             int `json:"max_steps,omitempty"`

	SaveSteps      int `json:"save_steps"`
	SaveTotalLimit int `json:"save_total_limit"`

	Backend  string `json:"backend"`
	Provider string `json:"provider,omitempty"`

	ExperimentTracker string `json:"experiment_tracker,omitempty"`
	ProjectName       string `json:"project_name,omitempty"`
}

// MetricsSample is one ingested training step's measurements. Samples are
// append-only per job; the metrics pipeline keeps a bounded ring of at
// least the last 100.
type MetricsSample struct {
	Step             int       `json:"step"`
	Epoch            float64   `json:"epoch"`
	Loss             float64   `json:"loss"`
	LearningRate     float64   `json:"learning_rate"`
	GradNorm         *float64  `json:"grad_norm,omitempty"`
	Throughput       float64   `json:"throughput"`
	SamplesPerSecond float64   `json:"samples_per_second"`
	GPUUtil          []float64 `json:"gpu_util,omitempty"`
	GPUMemUsed       []float64 `json:"gpu_mem_used,omitempty"`
	GPUMemTotal      []float64 `json:"gpu_mem_total,omitempty"`
	GPUTemp          []float64 `json:"gpu_temp,omitempty"`
	CPUUtil          float64   `json:"cpu_util"`
	RAMUsed          float64   `json:"ram_used"`
	ValLoss          *float64  `json:"val_loss,omitempty"`
	ValPerplexity    *float64  `json:"val_perplexity,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Elapsed          time.Duration `json:"elapsed"`
	ETA              time.Duration `json:"eta"`
}

// CheckpointReason records why a checkpoint was written.
type CheckpointReason string

const (
	CheckpointManual    CheckpointReason = "manual"
	CheckpointScheduled CheckpointReason = "scheduled"
	CheckpointPause     CheckpointReason = "pause"
	CheckpointAnomaly   CheckpointReason = "anomaly"
)

// Checkpoint is a persisted snapshot sufficient to resume training later.
// ModelState/OptimizerState/SchedulerState are opaque blobs from the
// training driver's point of view; the kernel only needs to move them
// atomically to and from disk.
type Checkpoint struct {
	Step            int              `json:"step"`
	Epoch           float64          `json:"epoch"`
	Loss            float64          `json:"loss"`
	LearningRate    float64          `json:"learning_rate"`
	ModelState      []byte           `json:"-"`
	OptimizerState  []byte           `json:"-"`
	SchedulerState  []byte           `json:"-"`
	RecentMetrics   []MetricsSample  `json:"recent_metrics"`
	ConfigSnapshot  Config           `json:"config_snapshot"`
	Timestamp       time.Time        `json:"timestamp"`
	Reason          CheckpointReason `json:"reason"`
}

// AnomalyType classifies a detected training anomaly.
type AnomalyType string

const (
	AnomalyLossDivergence    AnomalyType = "loss_divergence"
	AnomalyGradientExplosion AnomalyType = "gradient_explosion"
	AnomalyOverfitting       AnomalyType = "overfitting"
	AnomalyOOM               AnomalyType = "oom"
	AnomalyMemoryLeak        AnomalyType = "memory_leak"
)

// AnomalySeverity ranks a detected anomaly's urgency.
type AnomalySeverity string

const (
	SeverityLow      AnomalySeverity = "low"
	SeverityMedium   AnomalySeverity = "medium"
	SeverityHigh     AnomalySeverity = "high"
	SeverityCritical AnomalySeverity = "critical"
)

// Action is a suggested remediation for an anomaly or error. Automatic
// actions are applied by the job state machine itself; the rest are
// surfaced to the caller only.
type Action struct {
	Description string `json:"description"`
	Automatic   bool   `json:"automatic"`
}

// DetectedAt locates an anomaly in the training timeline.
type DetectedAt struct {
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// Anomaly is a typed signal from the detector indicating a probable
// training problem, with zero or more suggested recovery actions.
type Anomaly struct {
	Kind             AnomalyType     `json:"kind"`
	Severity         AnomalySeverity `json:"severity"`
	Message          string          `json:"message"`
	DetectedAt       DetectedAt      `json:"detected_at"`
	SuggestedActions []Action        `json:"suggested_actions"`
	AutoRecoverable  bool            `json:"auto_recoverable"`
}

// NotificationType classifies a notification.
type NotificationType string

const (
	NotificationProgress   NotificationType = "progress"
	NotificationError      NotificationType = "error"
	NotificationCompletion NotificationType = "completion"
	NotificationWarning    NotificationType = "warning"
)

// UrgencyLevel ranks how insistently a notification should be surfaced.
type UrgencyLevel string

const (
	UrgencyLow      UrgencyLevel = "low"
	UrgencyNormal   UrgencyLevel = "normal"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyCritical UrgencyLevel = "critical"
)

// Notification is a single user-facing event emitted for a job.
type Notification struct {
	Type            NotificationType `json:"type"`
	Title           string           `json:"title"`
	Body            string           `json:"body"`
	Milestone       *int             `json:"milestone,omitempty"`
	Urgency         UrgencyLevel     `json:"urgency"`
	Sound           bool             `json:"sound"`
	TaskbarProgress *float64         `json:"taskbar_progress,omitempty"`
	RespectDND      bool             `json:"respect_dnd"`
	Actions         []string         `json:"actions,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Artifact is the final trained adapter, as a single file on durable
// storage with a cryptographic hash. Verified is false when the
// provider-reported digest (when available) doesn't match the recomputed
// hash; the artifact is still kept.
type Artifact struct {
	ArtifactID string            `json:"artifact_id"`
	JobID      string            `json:"job_id"`
	Path       string            `json:"path"`
	SizeBytes  int64             `json:"size_bytes"`
	SHA256     string            `json:"sha256"`
	Verified   bool              `json:"verified"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// QualityAnalysis is a lightweight summary computed when a job reaches
// COMPLETED: how far loss moved over the run and how long it took.
// Deeper quality scoring (perplexity benchmarks, held-out eval) is an
// external collaborator's concern, not the kernel's.
type QualityAnalysis struct {
	InitialLoss  float64       `json:"initial_loss"`
	FinalLoss    float64       `json:"final_loss"`
	Improved     bool          `json:"improved"`
	TotalSteps   int           `json:"total_steps"`
	Duration     time.Duration `json:"duration"`
	ComputedAt   time.Time     `json:"computed_at"`
}

// ConnectorCapabilities flags which optional surfaces a connector supports.
type ConnectorCapabilities struct {
	Training  bool `json:"training"`
	Inference bool `json:"inference"`
	Registry  bool `json:"registry"`
	Tracking  bool `json:"tracking"`
}

// ConnectorRecord describes a registered connector plugin. Name is the
// registry's primary key and must be non-empty.
type ConnectorRecord struct {
	Name                string                `json:"name"`
	DisplayName         string                `json:"display_name"`
	Version             string                `json:"version"`
	Capabilities        ConnectorCapabilities `json:"capabilities"`
	RequiredCredentials []string              `json:"required_credential_keys"`
	Enabled             bool                  `json:"enabled"`
}

// Job is the central entity, owned exclusively by its internal/jobmachine
// actor. External readers must call Snapshot rather than touch these
// fields directly; Job carries no mutex of its own because it is never
// accessed concurrently except through the owning actor's mailbox.
type Job struct {
	JobID   string `json:"job_id"`
	Config  Config `json:"config"`
	State   TrainingState `json:"state"`

	CurrentMetrics *MetricsSample  `json:"current_metrics,omitempty"`
	MetricsHistory []MetricsSample `json:"metrics_history,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CheckpointHandle string `json:"checkpoint_handle,omitempty"`

	Provider      string `json:"provider,omitempty"`
	ProviderJobID string `json:"provider_job_id,omitempty"`

	ArtifactInfo     *Artifact         `json:"artifact_info,omitempty"`
	QualityAnalysis  *QualityAnalysis  `json:"quality_analysis,omitempty"`

	Notifications []Notification `json:"notifications,omitempty"`
}

// Snapshot returns a deep-enough value copy safe for a reader to retain:
// slices are copied so a later mutation by the owning actor is never
// observed by the reader.
func (j Job) Snapshot() Job {
	out := j
	if j.CurrentMetrics != nil {
		m := *j.CurrentMetrics
		out.CurrentMetrics = &m
	}
	if j.MetricsHistory != nil {
		out.MetricsHistory = append([]MetricsSample(nil), j.MetricsHistory...)
	}
	if j.ArtifactInfo != nil {
		a := *j.ArtifactInfo
		out.ArtifactInfo = &a
	}
	if j.QualityAnalysis != nil {
		q := *j.QualityAnalysis
		out.QualityAnalysis = &q
	}
	if j.Notifications != nil {
		out.Notifications = append([]Notification(nil), j.Notifications...)
	}
	return out
}
