// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher translates a job's Config into a connector submission,
// then drives its provider-side lifecycle: a log-stream drain, a status-poll
// loop with backoff, and artifact download with integrity verification on
// completion. It never imports internal/jobmachine — results are reported
// back through the narrow EventSink interface a jobmachine.Machine
// implements, which is how the job/dispatcher cycle in §9 of the design
// notes is broken.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/internal/connectors"
	"github.com/peftkit/orchestrator/pkg/config"
	"github.com/peftkit/orchestrator/pkg/errors"
	"github.com/peftkit/orchestrator/pkg/logging"
	"github.com/peftkit/orchestrator/pkg/retry"
)

// pollMaxAttempts bounds the backoff strategy's attempt counter, not the
// poll loop's lifetime: escalation to FAILED is decided by elapsed wall
// time (cfg.FailureEscalation), so this only needs to be large enough
// that NextDelay never runs dry during that window.
const pollMaxAttempts = 1_000_000

// EventSink receives the outcomes of a dispatched provider job. A
// jobmachine.Machine implements this to fold submit/sample/terminal
// events back into its own mailbox.
type EventSink interface {
	OnProviderSubmitted(jobID, providerJobID string)
	OnProviderSample(jobID string, sample api.MetricsSample)
	OnProviderCompleted(jobID string, artifact api.Artifact)
	OnProviderArtifactFailed(jobID string, err error)
	OnProviderFailed(jobID string, err error)
	OnProviderCanceled(jobID string)
}

type dispatchJob struct {
	cancel        context.CancelFunc
	providerName  string
	providerJobID string
}

// Dispatcher submits jobs to connectors and monitors them to a terminal
// provider state.
type Dispatcher struct {
	registry *connectors.Registry
	sink     EventSink
	cfg      *config.Config
	logger   logging.Logger

	mu        sync.Mutex
	jobs      map[string]*dispatchJob
	suspended map[string]*dispatchJob
}

// New creates a Dispatcher. sink is notified of every provider-side event;
// cfg supplies polling/backoff/timeout knobs.
func New(registry *connectors.Registry, sink EventSink, cfg *config.Config, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Dispatcher{
		registry:  registry,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		jobs:      make(map[string]*dispatchJob),
		suspended: make(map[string]*dispatchJob),
	}
}

// Submit resolves providerName in the registry, calls SubmitJob, and
// starts the log-drain and status-poll goroutines. It returns once the
// provider has accepted the job; monitoring continues in the background
// until a terminal provider state is reported via sink.
func (d *Dispatcher) Submit(ctx context.Context, jobID string, cfg api.Config, providerName string) error {
	conn, ok := d.registry.Get(providerName)
	if !ok {
		return errors.NotFound("connector", providerName)
	}

	submitCtx, cancel := context.WithTimeout(ctx, d.rpcTimeout())
	providerJobID, err := conn.SubmitJob(submitCtx, connectors.SubmitRequest{JobID: jobID, Config: cfg})
	cancel()
	if err != nil {
		return errors.Classify(err)
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	dj := &dispatchJob{cancel: pollCancel, providerName: providerName, providerJobID: providerJobID}

	d.mu.Lock()
	d.jobs[jobID] = dj
	d.mu.Unlock()

	d.sink.OnProviderSubmitted(jobID, providerJobID)

	go d.drainLogs(pollCtx, jobID, conn, providerJobID)
	go d.pollLoop(pollCtx, jobID, conn, providerJobID)

	return nil
}

// Cancel forwards to the connector's CancelJob and stops this job's
// poll loop and log drain on its next tick check.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	d.mu.Lock()
	dj, ok := d.jobs[jobID]
	d.mu.Unlock()
	if !ok {
		return errors.NotFound("dispatched job", jobID)
	}

	conn, ok := d.registry.Get(dj.providerName)
	if !ok {
		dj.cancel()
		return errors.NotFound("connector", dj.providerName)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, d.rpcTimeout())
	err := conn.CancelJob(cancelCtx, dj.providerJobID)
	cancel()

	dj.cancel()
	d.mu.Lock()
	delete(d.jobs, jobID)
	d.mu.Unlock()

	if err != nil {
		return errors.Classify(err)
	}
	return nil
}

// Suspend halts monitoring of jobID without calling the connector's
// CancelJob: it cancels the poll/log-drain goroutines but keeps the
// provider job identity around so Resume can restart monitoring
// against the same provider_job_id. This is how pause is modeled
// uniformly across the local connector (halting it halts its synthetic
// step advance) and cloud providers (monitoring pauses; the spec's
// non-goals disclaim bit-exact reproducibility of provider behavior
// during a pause).
func (d *Dispatcher) Suspend(jobID string) error {
	d.mu.Lock()
	dj, ok := d.jobs[jobID]
	if !ok {
		d.mu.Unlock()
		return errors.NotFound("dispatched job", jobID)
	}
	delete(d.jobs, jobID)
	d.suspended[jobID] = dj
	d.mu.Unlock()

	dj.cancel()
	return nil
}

// Resume restarts monitoring for a job previously suspended with
// Suspend, reusing the same connector and provider_job_id.
func (d *Dispatcher) Resume(ctx context.Context, jobID string) error {
	d.mu.Lock()
	dj, ok := d.suspended[jobID]
	if !ok {
		d.mu.Unlock()
		return errors.NotFound("suspended job", jobID)
	}
	delete(d.suspended, jobID)
	d.mu.Unlock()

	conn, ok := d.registry.Get(dj.providerName)
	if !ok {
		return errors.NotFound("connector", dj.providerName)
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	resumed := &dispatchJob{cancel: pollCancel, providerName: dj.providerName, providerJobID: dj.providerJobID}

	d.mu.Lock()
	d.jobs[jobID] = resumed
	d.mu.Unlock()

	go d.drainLogs(pollCtx, jobID, conn, dj.providerJobID)
	go d.pollLoop(pollCtx, jobID, conn, dj.providerJobID)
	return nil
}

func (d *Dispatcher) rpcTimeout() time.Duration {
	if d.cfg != nil && d.cfg.RPCTimeout > 0 {
		return d.cfg.RPCTimeout
	}
	return 30 * time.Second
}

func (d *Dispatcher) pollInterval() time.Duration {
	if d.cfg != nil && d.cfg.PollInterval > 0 {
		return d.cfg.PollInterval
	}
	return 10 * time.Second
}

func (d *Dispatcher) maxBackoff() time.Duration {
	if d.cfg != nil && d.cfg.MaxBackoff > 0 {
		return d.cfg.MaxBackoff
	}
	return 60 * time.Second
}

func (d *Dispatcher) failureEscalation() time.Duration {
	if d.cfg != nil && d.cfg.FailureEscalation > 0 {
		return d.cfg.FailureEscalation
	}
	return 5 * time.Minute
}

// drainLogs consumes stream_logs until it closes, the context is
// canceled, or a final chunk arrives. Parsing provider logs into
// metrics is explicitly out of scope (§4.G): the kernel only owns the
// plumbing, so failures here are logged, never escalated.
func (d *Dispatcher) drainLogs(ctx context.Context, jobID string, conn connectors.Connector, providerJobID string) {
	chunks, err := conn.StreamLogs(ctx, providerJobID)
	if err != nil {
		d.logger.Warn("log stream unavailable", "job_id", jobID, "error", err)
		return
	}
	if chunks == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			d.logger.Debug("provider log", "job_id", jobID, "text", chunk.Text)
			if chunk.Final {
				return
			}
		}
	}
}

// pollLoop polls GetJobStatus on a fixed interval, backing off
// exponentially (capped at maxBackoff) on consecutive failures and
// resetting the moment a poll succeeds. Failures sustained past
// failureEscalation move the job to FAILED.
func (d *Dispatcher) pollLoop(ctx context.Context, jobID string, conn connectors.Connector, providerJobID string) {
	backoff := &retry.ExponentialBackoff{
		InitialDelay: d.pollInterval(),
		MaxDelay:     d.maxBackoff(),
		Multiplier:   2.0,
		Jitter:       0.1,
		MaxAttempts:  pollMaxAttempts,
	}

	attempt := 0
	var firstFailureAt time.Time

	timer := time.NewTimer(d.pollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		pollCtx, cancel := context.WithTimeout(ctx, d.rpcTimeout())
		status, err := conn.GetJobStatus(pollCtx, providerJobID)
		cancel()

		if err != nil {
			if firstFailureAt.IsZero() {
				firstFailureAt = time.Now()
			}
			d.logger.Warn("provider status poll failed", "job_id", jobID, "error", err)

			if time.Since(firstFailureAt) > d.failureEscalation() {
				d.sink.OnProviderFailed(jobID, errors.Wrap(errors.KindConnectorTransient,
					"provider status polling failed repeatedly", err))
				return
			}

			delay, _ := backoff.NextDelay(attempt)
			attempt++
			timer.Reset(delay)
			continue
		}

		firstFailureAt = time.Time{}
		attempt = 0
		backoff.Reset()

		if status.Metrics != nil {
			d.sink.OnProviderSample(jobID, *status.Metrics)
		}

		switch status.Status {
		case connectors.ProviderStatusCompleted:
			d.finishCompleted(ctx, jobID, conn, providerJobID)
			return
		case connectors.ProviderStatusFailed:
			d.sink.OnProviderFailed(jobID, errors.Newf(errors.KindConnectorPermanent,
				"provider reported job failed: %s", status.Message))
			return
		case connectors.ProviderStatusCanceled:
			d.sink.OnProviderCanceled(jobID)
			return
		default:
			timer.Reset(d.pollInterval())
		}
	}
}

// finishCompleted downloads the artifact, verifies it by recomputing
// its SHA-256, and reports the outcome. A download/hash failure never
// flips an otherwise-COMPLETED job to FAILED (§4.G) — it is reported
// through OnProviderArtifactFailed instead, leaving artifact_info nil.
func (d *Dispatcher) finishCompleted(ctx context.Context, jobID string, conn connectors.Connector, providerJobID string) {
	root := "."
	if d.cfg != nil && d.cfg.ArtifactRoot != "" {
		root = d.cfg.ArtifactRoot
	}
	destDir := filepath.Join(root, jobID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		d.logger.Error("create artifact directory", "job_id", jobID, "error", err)
		d.sink.OnProviderArtifactFailed(jobID, err)
		return
	}

	dest := filepath.Join(destDir, "adapter_model.safetensors")
	fetchCtx, cancel := context.WithTimeout(ctx, d.rpcTimeout())
	err := conn.FetchArtifact(fetchCtx, providerJobID, dest)
	cancel()
	if err != nil {
		d.logger.Warn("artifact download failed", "job_id", jobID, "error", err)
		d.sink.OnProviderArtifactFailed(jobID, err)
		return
	}

	sum, size, err := hashFile(dest)
	if err != nil {
		d.logger.Warn("artifact hash failed", "job_id", jobID, "error", err)
		d.sink.OnProviderArtifactFailed(jobID, err)
		return
	}

	d.sink.OnProviderCompleted(jobID, api.Artifact{
		ArtifactID: uuid.NewString(),
		JobID:      jobID,
		Path:       dest,
		SizeBytes:  size,
		SHA256:     sum,
		Verified:   true,
		CreatedAt:  time.Now().UTC(),
	})
}

func hashFile(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
