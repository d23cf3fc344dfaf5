// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobmachine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/internal/anomaly"
	"github.com/peftkit/orchestrator/internal/metricspipeline"
	"github.com/peftkit/orchestrator/pkg/errors"
)

// eventKind tags a mailbox message.
type eventKind int

const (
	evStart eventKind = iota
	evPause
	evResume
	evStop
	evSample
	evProviderSubmitted
	evProviderCompleted
	evProviderArtifactFailed
	evProviderFailed
	evProviderCanceled
)

// event is the typed mailbox message. ack, when non-nil, carries the
// synchronous reply for a caller-initiated request (start/pause/
// resume/stop); dispatcher-originated events never set it.
type event struct {
	kind eventKind

	backend       string
	sample        api.MetricsSample
	providerJobID string
	artifact      api.Artifact
	err           error

	ack chan ackResult
}

// ackResult is the reply to a synchronous request. checkpoint is only
// meaningful for evPause.
type ackResult struct {
	checkpoint api.Checkpoint
	err        error
}

// jobActor owns one Job's mutable state exclusively; every field below
// this point is touched only from run's goroutine. snap is the only
// field safe to read from other goroutines (Status/GetArtifact).
type jobActor struct {
	jobID   string
	mailbox chan event
	machine *Machine

	job  api.Job
	snap atomic.Value // api.Job

	recoveryLearningRateScale float64
	recoveryGradientClipping  bool
}

func (a *jobActor) run() {
	for ev := range a.mailbox {
		a.handle(ev)
	}
}

func (a *jobActor) handle(ev event) {
	switch ev.kind {
	case evStart:
		a.handleStart(ev)
	case evPause:
		a.handlePause(ev)
	case evResume:
		a.handleResume(ev)
	case evStop:
		a.handleStop(ev)
	case evSample:
		a.handleSample(ev)
	case evProviderSubmitted:
		a.handleProviderSubmitted(ev)
	case evProviderCompleted:
		a.handleProviderCompleted(ev)
	case evProviderArtifactFailed:
		a.handleProviderArtifactFailed(ev)
	case evProviderFailed:
		a.handleProviderFailed(ev)
	case evProviderCanceled:
		a.handleProviderCanceled(ev)
	}
}

// send posts ev (with a fresh ack channel) and waits for the actor's
// reply or ctx cancellation.
func (a *jobActor) send(ctx context.Context, ev event) error {
	ack := make(chan ackResult, 1)
	ev.ack = ack
	select {
	case a.mailbox <- ev:
	case <-ctx.Done():
		return errors.Classify(ctx.Err())
	}
	select {
	case res := <-ack:
		return res.err
	case <-ctx.Done():
		return errors.Classify(ctx.Err())
	}
}

// sendPause is send's pause-specific variant: it additionally enforces
// the pause timeout independent of ctx, per §4.F ("pause has a timeout
// (30s default); on expiry the caller receives a timeout error but the
// job remains RUNNING" — the actor itself never observes the timeout,
// only this caller-side wait does, so a late ack simply lands after the
// caller has already moved on).
func (a *jobActor) sendPause(ctx context.Context, timeout time.Duration) (api.Checkpoint, error) {
	ack := make(chan ackResult, 1)
	ev := event{kind: evPause, ack: ack}
	select {
	case a.mailbox <- ev:
	case <-ctx.Done():
		return api.Checkpoint{}, errors.Classify(ctx.Err())
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ack:
		return res.checkpoint, res.err
	case <-timer.C:
		return api.Checkpoint{}, errors.Timeout("pause", timeout)
	case <-ctx.Done():
		return api.Checkpoint{}, errors.Classify(ctx.Err())
	}
}

func (a *jobActor) snapshot() api.Job {
	v := a.snap.Load()
	if v == nil {
		return api.Job{}
	}
	return v.(api.Job)
}

// storeSnapshot publishes the actor's current job as the new reader-
// visible snapshot and notifies the multi-run sync-through hook.
func (a *jobActor) storeSnapshot() {
	snap := a.job.Snapshot()
	a.snap.Store(snap)
	a.machine.notifyChange(snap)
}

func ack(ev event, res ackResult) {
	if ev.ack != nil {
		ev.ack <- res
	}
}

// handleStart implements CREATED -> start -> INITIALIZING, invoking the
// provider dispatcher for every backend (including "local") uniformly;
// RUNNING is entered once OnProviderSubmitted arrives.
func (a *jobActor) handleStart(ev event) {
	if a.job.State != api.StateCreated {
		ack(ev, ackResult{err: errors.IllegalState("start", string(a.job.State))})
		return
	}

	now := time.Now().UTC()
	a.job.State = api.StateInitializing
	a.job.StartedAt = &now
	a.job.Provider = ev.backend
	a.storeSnapshot()

	err := a.machine.dispatcher.Submit(context.Background(), a.jobID, a.job.Config, ev.backend)
	if err != nil {
		completedAt := time.Now().UTC()
		a.job.State = api.StateFailed
		a.job.ErrorMessage = err.Error()
		a.job.CompletedAt = &completedAt
		a.storeSnapshot()
		ack(ev, ackResult{err: err})
		return
	}
	ack(ev, ackResult{})
}

func (a *jobActor) handleProviderSubmitted(ev event) {
	if a.job.State != api.StateInitializing {
		return
	}
	a.job.State = api.StateRunning
	a.job.ProviderJobID = ev.providerJobID
	a.storeSnapshot()
}

// handleSample implements the RUNNING "step event" row: ingest, detect
// anomalies, evaluate milestone notifications, and trigger a scheduled
// checkpoint every save_steps.
func (a *jobActor) handleSample(ev event) {
	if a.job.State.Terminal() {
		return
	}

	sample := ev.sample
	previousStep := 0
	if a.job.CurrentMetrics != nil {
		previousStep = a.job.CurrentMetrics.Step
	}

	a.job.CurrentMetrics = &sample
	a.job.MetricsHistory = metricspipeline.AppendBounded(a.job.MetricsHistory, sample, metricspipeline.MinHistory)
	a.machine.metrics.Publish(a.jobID, sample)

	for _, an := range a.machine.detector.CheckAll(a.jobID, sample) {
		a.applyAnomaly(an)
		if a.job.State.Terminal() {
			a.storeSnapshot()
			return
		}
	}

	total := totalSteps(a.job.Config)
	if n, ok := a.machine.notifier.CheckProgress(a.jobID, previousStep, sample.Step, total); ok {
		a.job.Notifications = append(a.job.Notifications, *n)
		a.machine.notifications.Publish(a.jobID, *n)
	}

	if a.job.Config.SaveSteps > 0 && sample.Step > 0 && sample.Step%a.job.Config.SaveSteps == 0 {
		a.writeCheckpoint(api.CheckpointScheduled)
	}

	a.storeSnapshot()
}

// applyAnomaly surfaces a notification for the anomaly and executes
// every automatic=true suggested action, per §4.F's recovery hook. This
// is how the spec's Job<->Anomaly cycle (§9) is broken: the detector
// only returned data, the machine alone decides and acts.
func (a *jobActor) applyAnomaly(an api.Anomaly) {
	if an.Severity == api.SeverityCritical || an.Severity == api.SeverityHigh {
		n := a.machine.notifier.CreateError(a.jobID, string(an.Kind), an.Message)
		a.job.Notifications = append(a.job.Notifications, n)
		a.machine.notifications.Publish(a.jobID, n)
	} else if n, ok := a.machine.notifier.CreateWarning(a.jobID, an.Message); ok {
		a.job.Notifications = append(a.job.Notifications, n)
		a.machine.notifications.Publish(a.jobID, n)
	}

	for _, action := range an.SuggestedActions {
		if !action.Automatic {
			continue
		}
		switch action.Description {
		case anomaly.ActionReduceBatchSize:
			a.job.Config.BatchSize /= 2
			if a.job.Config.BatchSize < 1 {
				a.job.Config.BatchSize = 1
			}
		case anomaly.ActionReduceLearningRate:
			// No Config field carries the learning rate (it is an
			// observed per-step value from the training driver, not a
			// kernel-owned setting), so the scale factor is tracked
			// here and would be pushed to the driver on its next
			// control message; there is no such channel to push it
			// over in this kernel (§9's stubbed training driver).
			a.recoveryLearningRateScale *= 0.5
		case anomaly.ActionEnableGradientClipping:
			a.recoveryGradientClipping = true
		case anomaly.ActionReloadLastCheckpoint:
			a.reloadLastCheckpoint()
		}
	}
}

// reloadLastCheckpoint implements S4: on success the job passes through
// INITIALIZING back to RUNNING without a new provider submission (the
// same dispatcher monitoring loop continues feeding samples); with no
// checkpoint available it terminates FAILED with a clear error_message.
func (a *jobActor) reloadLastCheckpoint() {
	step, err := a.machine.checkpoints.LatestStep(a.jobID)
	if err != nil {
		a.failFrom("loss diverged and no checkpoint is available to reload")
		return
	}
	ckpt, err := a.machine.checkpoints.Read(context.Background(), a.jobID, step)
	if err != nil {
		a.failFrom(err.Error())
		return
	}

	a.job.State = api.StateInitializing
	a.job.CheckpointHandle = fmt.Sprintf("%s/checkpoint-%d", a.jobID, ckpt.Step)
	a.storeSnapshot()

	a.job.State = api.StateRunning
	a.storeSnapshot()
}

func (a *jobActor) failFrom(message string) {
	now := time.Now().UTC()
	a.job.State = api.StateFailed
	a.job.ErrorMessage = message
	a.job.CompletedAt = &now
	n := a.machine.notifier.CreateError(a.jobID, "no_checkpoint", message)
	a.job.Notifications = append(a.job.Notifications, n)
	a.machine.notifications.Publish(a.jobID, n)
	a.storeSnapshot()
}

// writeCheckpoint persists the job's current step via the checkpoint
// store. The raw model/optimizer/scheduler bytes are left empty: the
// actual training driver that owns them is an external collaborator
// stubbed out of this kernel (§9), so the kernel only moves whatever
// bytes it is handed — none, in this synthetic-loop deployment.
func (a *jobActor) writeCheckpoint(reason api.CheckpointReason) {
	if a.job.CurrentMetrics == nil {
		return
	}
	m := *a.job.CurrentMetrics
	ckpt := api.Checkpoint{
		Step:           m.Step,
		Epoch:          m.Epoch,
		Loss:           m.Loss,
		LearningRate:   m.LearningRate,
		RecentMetrics:  append([]api.MetricsSample(nil), a.job.MetricsHistory...),
		ConfigSnapshot: a.job.Config,
		Timestamp:      time.Now().UTC(),
		Reason:         reason,
	}
	if err := a.machine.checkpoints.Write(context.Background(), a.jobID, ckpt, a.job.Config.SaveTotalLimit); err != nil {
		a.machine.logger.Warn("checkpoint write failed", "job_id", a.jobID, "reason", reason, "error", err)
		return
	}
	a.job.CheckpointHandle = fmt.Sprintf("%s/checkpoint-%d", a.jobID, ckpt.Step)
}

func (a *jobActor) lastCheckpoint() (api.Checkpoint, error) {
	step, err := a.machine.checkpoints.LatestStep(a.jobID)
	if err != nil {
		return api.Checkpoint{}, err
	}
	return a.machine.checkpoints.Read(context.Background(), a.jobID, step)
}

// handlePause implements RUNNING -> pause() -> PAUSED: write a
// pause-reason checkpoint, suspend the dispatcher's monitoring of the
// provider job (standing in for the driver observing the pause flag at
// a checkpoint boundary), then transition.
func (a *jobActor) handlePause(ev event) {
	if a.job.State != api.StateRunning {
		ack(ev, ackResult{err: errors.IllegalState("pause", string(a.job.State))})
		return
	}

	a.writeCheckpoint(api.CheckpointPause)
	if err := a.machine.dispatcher.Suspend(a.jobID); err != nil {
		a.machine.logger.Warn("suspend monitoring failed", "job_id", a.jobID, "error", err)
	}

	now := time.Now().UTC()
	a.job.State = api.StatePaused
	a.job.PausedAt = &now
	a.storeSnapshot()

	ckpt, _ := a.lastCheckpoint()
	ack(ev, ackResult{checkpoint: ckpt})
}

// handleResume implements PAUSED -> resume() -> INITIALIZING -> RUNNING:
// read back the last checkpoint (aborting the resume on integrity
// failure per §7) and restart dispatcher monitoring of the same
// provider job.
func (a *jobActor) handleResume(ev event) {
	if a.job.State != api.StatePaused {
		ack(ev, ackResult{err: errors.IllegalState("resume", string(a.job.State))})
		return
	}

	if _, err := a.lastCheckpoint(); err != nil {
		ack(ev, ackResult{err: err})
		return
	}

	a.job.State = api.StateInitializing
	a.storeSnapshot()

	if err := a.machine.dispatcher.Resume(context.Background(), a.jobID); err != nil {
		now := time.Now().UTC()
		a.job.State = api.StateFailed
		a.job.ErrorMessage = err.Error()
		a.job.CompletedAt = &now
		a.storeSnapshot()
		ack(ev, ackResult{err: err})
		return
	}

	a.job.State = api.StateRunning
	a.storeSnapshot()
	ack(ev, ackResult{})
}

// handleStop implements stop() from any non-terminal state, and is a
// no-op on an already-terminal job (idempotence per §8).
func (a *jobActor) handleStop(ev event) {
	if a.job.State.Terminal() {
		ack(ev, ackResult{})
		return
	}

	var cancelErr error
	if a.job.State == api.StateRunning || a.job.State == api.StateInitializing {
		cancelErr = a.machine.dispatcher.Cancel(context.Background(), a.jobID)
	}

	now := time.Now().UTC()
	a.job.State = api.StateStopped
	a.job.CompletedAt = &now
	if cancelErr != nil {
		a.job.ErrorMessage = cancelErr.Error()
	}
	a.storeSnapshot()
	ack(ev, ackResult{})
}

func (a *jobActor) handleProviderCompleted(ev event) {
	if a.job.State.Terminal() {
		return
	}

	artifact := ev.artifact
	a.job.ArtifactInfo = &artifact
	a.job.QualityAnalysis = a.computeQualityAnalysis()

	now := time.Now().UTC()
	a.job.State = api.StateCompleted
	a.job.CompletedAt = &now

	total := totalSteps(a.job.Config)
	previousStep := 0
	if a.job.CurrentMetrics != nil {
		previousStep = a.job.CurrentMetrics.Step
	}
	if n, ok := a.machine.notifier.CheckProgress(a.jobID, previousStep, total, total); ok {
		a.job.Notifications = append(a.job.Notifications, *n)
		a.machine.notifications.Publish(a.jobID, *n)
	}

	a.storeSnapshot()
	a.machine.detector.Clear(a.jobID)
	a.machine.notifier.Clear(a.jobID)
}

func (a *jobActor) computeQualityAnalysis() *api.QualityAnalysis {
	history := a.job.MetricsHistory
	if len(history) == 0 {
		return nil
	}
	initial := history[0].Loss
	final := history[len(history)-1].Loss
	var duration time.Duration
	if a.job.StartedAt != nil {
		duration = time.Since(*a.job.StartedAt)
	}
	return &api.QualityAnalysis{
		InitialLoss: initial,
		FinalLoss:   final,
		Improved:    final < initial,
		TotalSteps:  history[len(history)-1].Step,
		Duration:    duration,
		ComputedAt:  time.Now().UTC(),
	}
}

// handleProviderArtifactFailed implements §4.G: a download/hash failure
// never flips an otherwise-successful job to FAILED; it stays COMPLETED
// with artifact_info left nil.
func (a *jobActor) handleProviderArtifactFailed(ev event) {
	if a.job.State.Terminal() {
		return
	}

	now := time.Now().UTC()
	a.job.QualityAnalysis = a.computeQualityAnalysis()
	a.job.State = api.StateCompleted
	a.job.CompletedAt = &now
	a.job.ErrorMessage = fmt.Sprintf("artifact download failed: %s", ev.err)

	if n, ok := a.machine.notifier.CreateWarning(a.jobID, a.job.ErrorMessage); ok {
		a.job.Notifications = append(a.job.Notifications, n)
		a.machine.notifications.Publish(a.jobID, n)
	}
	a.storeSnapshot()
}

func (a *jobActor) handleProviderFailed(ev event) {
	if a.job.State.Terminal() {
		return
	}

	now := time.Now().UTC()
	a.job.State = api.StateFailed
	a.job.ErrorMessage = ev.err.Error()
	a.job.CompletedAt = &now

	n := a.machine.notifier.CreateError(a.jobID, "connector_permanent", a.job.ErrorMessage)
	a.job.Notifications = append(a.job.Notifications, n)
	a.machine.notifications.Publish(a.jobID, n)
	a.storeSnapshot()
}

func (a *jobActor) handleProviderCanceled(ev event) {
	if a.job.State.Terminal() {
		return
	}
	now := time.Now().UTC()
	a.job.State = api.StateStopped
	a.job.CompletedAt = &now
	a.storeSnapshot()
}
