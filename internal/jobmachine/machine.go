// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package jobmachine implements the per-job state machine of §4.F: one
// actor goroutine per Job, owning its mutable fields exclusively and
// reading a typed mailbox of events (start/pause/resume/stop, ingested
// samples, provider-side outcomes). External readers only ever see an
// immutable Snapshot; they never touch actor-owned state directly.
package jobmachine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/internal/anomaly"
	"github.com/peftkit/orchestrator/internal/checkpoint"
	"github.com/peftkit/orchestrator/internal/connectors"
	"github.com/peftkit/orchestrator/internal/dispatcher"
	"github.com/peftkit/orchestrator/internal/metricspipeline"
	"github.com/peftkit/orchestrator/internal/notification"
	"github.com/peftkit/orchestrator/pkg/config"
	"github.com/peftkit/orchestrator/pkg/errors"
	"github.com/peftkit/orchestrator/pkg/logging"
)

// mailboxDepth is the per-job event buffer. A job's own dispatcher
// goroutines post into it faster than the actor could ever fall behind
// in practice (one event per poll tick); it is sized generously rather
// than tuned, since it bounds one job's memory, not the fleet's.
const mailboxDepth = 256

// Machine owns every live job's actor. It implements dispatcher.EventSink
// so the provider dispatcher reports back into a job's mailbox without
// either package importing the other's concrete types (§9 "cyclic
// structures").
type Machine struct {
	mu     sync.Mutex
	actors map[string]*jobActor

	dispatcher    *dispatcher.Dispatcher
	checkpoints   *checkpoint.Store
	detector      *anomaly.Detector
	notifier      *notification.Engine
	metrics       *metricspipeline.Broadcaster[api.MetricsSample]
	notifications *metricspipeline.Broadcaster[api.Notification]

	cfg    *config.Config
	logger logging.Logger

	onChangeMu sync.RWMutex
	onChange   func(api.Job)
}

// New constructs a Machine. registry resolves connector names at submit
// time; checkpoints is the durable checkpoint store; detector and
// notifier are the stateful per-job analyzers from §4.B/§4.C,
// constructed by the caller so their thresholds/DND-checker can be
// configured once at startup.
func New(
	registry *connectors.Registry,
	checkpoints *checkpoint.Store,
	detector *anomaly.Detector,
	notifier *notification.Engine,
	cfg *config.Config,
	logger logging.Logger,
) *Machine {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	m := &Machine{
		actors:        make(map[string]*jobActor),
		checkpoints:   checkpoints,
		detector:      detector,
		notifier:      notifier,
		metrics:       metricspipeline.NewBroadcaster[api.MetricsSample](),
		notifications: metricspipeline.NewBroadcaster[api.Notification](),
		cfg:           cfg,
		logger:        logger,
	}
	m.dispatcher = dispatcher.New(registry, m, cfg, logger)
	return m
}

// OnChange registers a callback invoked after every job mutation with
// the job's new snapshot, letting internal/multirun keep the durable
// store in sync without jobmachine importing it.
func (m *Machine) OnChange(fn func(api.Job)) {
	m.onChangeMu.Lock()
	defer m.onChangeMu.Unlock()
	m.onChange = fn
}

func (m *Machine) notifyChange(job api.Job) {
	m.onChangeMu.RLock()
	fn := m.onChange
	m.onChangeMu.RUnlock()
	if fn != nil {
		fn(job)
	}
}

// CreateJob validates cfg per §4.F's submit rules, assigns a job_id, and
// spawns the owning actor goroutine in CREATED.
func (m *Machine) CreateJob(cfg api.Config) (api.Job, error) {
	if err := cfg.Validate(); err != nil {
		return api.Job{}, err
	}

	job := api.Job{
		JobID:     uuid.NewString(),
		Config:    cfg,
		State:     api.StateCreated,
		CreatedAt: time.Now().UTC(),
	}

	actor := &jobActor{
		jobID:                     job.JobID,
		mailbox:                   make(chan event, mailboxDepth),
		machine:                   m,
		job:                       job,
		recoveryLearningRateScale: 1.0,
	}
	actor.storeSnapshot()

	m.mu.Lock()
	m.actors[job.JobID] = actor
	m.mu.Unlock()

	go actor.run()
	m.notifyChange(job)

	return job, nil
}

// Start sends the job's start event with the chosen backend (a
// connector name, "local" included) and waits for the actor to
// acknowledge the submit attempt.
func (m *Machine) Start(ctx context.Context, jobID, backend string) error {
	actor, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return actor.send(ctx, event{kind: evStart, backend: backend})
}

// Pause requests a cooperative pause, blocking up to the configured
// pause timeout for the actor's acknowledgement, and returns the
// checkpoint written at the moment of pausing.
func (m *Machine) Pause(ctx context.Context, jobID string) (api.Checkpoint, error) {
	actor, err := m.lookup(jobID)
	if err != nil {
		return api.Checkpoint{}, err
	}
	return actor.sendPause(ctx, m.pauseTimeout())
}

// Resume requests the job resume from its last checkpoint.
func (m *Machine) Resume(ctx context.Context, jobID string) error {
	actor, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return actor.send(ctx, event{kind: evResume})
}

// Stop requests termination; idempotent on an already-terminal job.
func (m *Machine) Stop(ctx context.Context, jobID string) error {
	actor, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return actor.send(ctx, event{kind: evStop})
}

// Status returns the job's current immutable snapshot.
func (m *Machine) Status(jobID string) (api.Job, error) {
	actor, err := m.lookup(jobID)
	if err != nil {
		return api.Job{}, err
	}
	return actor.snapshot(), nil
}

// GetArtifact returns the job's recorded artifact, or nil if the job
// has not completed with one.
func (m *Machine) GetArtifact(jobID string) (*api.Artifact, error) {
	job, err := m.Status(jobID)
	if err != nil {
		return nil, err
	}
	return job.ArtifactInfo, nil
}

// SubscribeMetrics returns a non-blocking, coalescing stream of a job's
// ingested samples (§4.E's external subscriber), plus its cancel func.
func (m *Machine) SubscribeMetrics(jobID string) (<-chan api.MetricsSample, func()) {
	return m.metrics.Subscribe(jobID)
}

// SubscribeNotifications returns a non-blocking stream of a job's
// notifications, plus its cancel func.
func (m *Machine) SubscribeNotifications(jobID string) (<-chan api.Notification, func()) {
	return m.notifications.Subscribe(jobID)
}

// Destroy removes a job's live actor: its mailbox is closed (ending the
// owner goroutine), its fan-out subscribers are closed, and its
// anomaly/notification tracking state is dropped. The durable record,
// if any, is untouched — this is the in-memory half of §4.H's cleanup.
func (m *Machine) Destroy(jobID string) {
	m.mu.Lock()
	actor, ok := m.actors[jobID]
	if ok {
		delete(m.actors, jobID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	close(actor.mailbox)
	m.metrics.Close(jobID)
	m.notifications.Close(jobID)
	m.detector.Clear(jobID)
	m.notifier.Clear(jobID)
}

func (m *Machine) lookup(jobID string) (*jobActor, error) {
	m.mu.Lock()
	actor, ok := m.actors[jobID]
	m.mu.Unlock()
	if !ok {
		return nil, errors.NotFound("job", jobID)
	}
	return actor, nil
}

func (m *Machine) pauseTimeout() time.Duration {
	if m.cfg != nil && m.cfg.PauseTimeout > 0 {
		return m.cfg.PauseTimeout
	}
	return 30 * time.Second
}

// post delivers a dispatcher-originated event to jobID's mailbox. It is
// the EventSink implementation's common path; a job missing at this
// point means it was destroyed mid-flight, which is logged, not
// escalated, since the dispatcher side is already winding down too.
func (m *Machine) post(jobID string, ev event) {
	actor, err := m.lookup(jobID)
	if err != nil {
		m.logger.Warn("dropped dispatcher event for unknown job", "job_id", jobID)
		return
	}
	actor.mailbox <- ev
}

// OnProviderSubmitted implements dispatcher.EventSink.
func (m *Machine) OnProviderSubmitted(jobID, providerJobID string) {
	m.post(jobID, event{kind: evProviderSubmitted, providerJobID: providerJobID})
}

// OnProviderSample implements dispatcher.EventSink.
func (m *Machine) OnProviderSample(jobID string, sample api.MetricsSample) {
	m.post(jobID, event{kind: evSample, sample: sample})
}

// OnProviderCompleted implements dispatcher.EventSink.
func (m *Machine) OnProviderCompleted(jobID string, artifact api.Artifact) {
	m.post(jobID, event{kind: evProviderCompleted, artifact: artifact})
}

// OnProviderArtifactFailed implements dispatcher.EventSink.
func (m *Machine) OnProviderArtifactFailed(jobID string, err error) {
	m.post(jobID, event{kind: evProviderArtifactFailed, err: err})
}

// OnProviderFailed implements dispatcher.EventSink.
func (m *Machine) OnProviderFailed(jobID string, err error) {
	m.post(jobID, event{kind: evProviderFailed, err: err})
}

// OnProviderCanceled implements dispatcher.EventSink.
func (m *Machine) OnProviderCanceled(jobID string) {
	m.post(jobID, event{kind: evProviderCanceled})
}

// totalSteps returns the known step budget for progress-percent
// purposes, or 0 when unknown (num_epochs alone, with no dataset
// length available to the kernel, can't be converted to a step count;
// §4.H's rule is "else 0" precisely for this case).
func totalSteps(cfg api.Config) int {
	if cfg.MaxSteps > 0 {
		return cfg.MaxSteps
	}
	return 0
}
