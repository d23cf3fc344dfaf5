// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobmachine_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/internal/anomaly"
	"github.com/peftkit/orchestrator/internal/checkpoint"
	"github.com/peftkit/orchestrator/internal/connectors"
	"github.com/peftkit/orchestrator/internal/jobmachine"
	"github.com/peftkit/orchestrator/internal/notification"
	"github.com/peftkit/orchestrator/pkg/config"
)

// scriptedConnector replays a fixed sequence of provider statuses,
// advancing one entry per GetJobStatus call and repeating the last
// entry once exhausted, so a test can drive a job through a precise
// sequence of samples.
type scriptedConnector struct {
	name string

	mu           sync.Mutex
	statuses     []connectors.JobStatus
	idx          int
	cancelCalls  int
	fetchPayload []byte
}

func (c *scriptedConnector) Name() string { return c.name }
func (c *scriptedConnector) Connect(context.Context, map[string]string) error { return nil }
func (c *scriptedConnector) Disconnect(context.Context) error                 { return nil }
func (c *scriptedConnector) VerifyConnection(context.Context) error           { return nil }

func (c *scriptedConnector) SubmitJob(context.Context, connectors.SubmitRequest) (string, error) {
	return "scripted-job-1", nil
}

func (c *scriptedConnector) GetJobStatus(context.Context, string) (connectors.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.statuses) == 0 {
		return connectors.JobStatus{Status: connectors.ProviderStatusRunning}, nil
	}
	i := c.idx
	if i >= len(c.statuses) {
		i = len(c.statuses) - 1
	} else {
		c.idx++
	}
	return c.statuses[i], nil
}

func (c *scriptedConnector) CancelJob(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCalls++
	return nil
}

func (c *scriptedConnector) StreamLogs(context.Context, string) (<-chan connectors.LogChunk, error) {
	ch := make(chan connectors.LogChunk, 1)
	ch <- connectors.LogChunk{Text: "scripted", Final: true}
	close(ch)
	return ch, nil
}

func (c *scriptedConnector) FetchArtifact(_ context.Context, _ string, dest string) error {
	payload := c.fetchPayload
	if payload == nil {
		payload = []byte("scripted-adapter-bytes")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, payload, 0o644)
}

func (c *scriptedConnector) ListResources(context.Context) ([]connectors.Resource, error) {
	return nil, nil
}

func (c *scriptedConnector) GetPricing(context.Context, string) (connectors.PricingInfo, error) {
	return connectors.PricingInfo{}, nil
}

func (c *scriptedConnector) cancelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelCalls
}

func testCfg(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		CheckpointRoot:    filepath.Join(t.TempDir(), "checkpoints"),
		ArtifactRoot:      filepath.Join(t.TempDir(), "artifacts"),
		PollInterval:      5 * time.Millisecond,
		PauseTimeout:      2 * time.Second,
		RPCTimeout:        time.Second,
		MaxBackoff:        50 * time.Millisecond,
		FailureEscalation: 500 * time.Millisecond,
	}
}

func validConfig() api.Config {
	return api.Config{
		BaseModel:   "meta-llama/Llama-3-8b",
		DatasetPath: "s3://bucket/dataset.jsonl",
		Algorithm:   api.AlgorithmLoRA,
		Rank:        8,
		Alpha:       16,
		Dropout:     0.1,
		BatchSize:   8,
		NumEpochs:   3,
		MaxSteps:    1000,
		SaveSteps:   500,
	}
}

func newMachine(t *testing.T, registry *connectors.Registry) *jobmachine.Machine {
	t.Helper()
	cfg := testCfg(t)
	store := checkpoint.NewStore(cfg.CheckpointRoot)
	detector := anomaly.NewDetector()
	notifier := notification.NewEngine(nil)
	return jobmachine.New(registry, store, detector, notifier, cfg, nil)
}

func waitForState(t *testing.T, m *jobmachine.Machine, jobID string, want api.TrainingState, timeout time.Duration) api.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last api.Job
	for time.Now().Before(deadline) {
		job, err := m.Status(jobID)
		require.NoError(t, err)
		last = job
		if job.State == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach state %s, last seen %s (error=%q)", jobID, want, last.State, last.ErrorMessage)
	return api.Job{}
}

// S1: a happy local run produces two scheduled checkpoints, exactly
// four progress notifications, and ends COMPLETED with an improved
// (lower) final loss.
func TestLocalRunCompletesWithCheckpointsAndMilestones(t *testing.T) {
	registry := connectors.NewRegistry()
	require.NoError(t, registry.Register(connectors.NewLocalConnector()))
	m := newMachine(t, registry)

	cfg := validConfig()
	job, err := m.CreateJob(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), job.JobID, "local"))

	// 1000 steps at one step per 5ms poll take just over 5s.
	final := waitForState(t, m, job.JobID, api.StateCompleted, 15*time.Second)

	require.NotNil(t, final.QualityAnalysis)
	assert.True(t, final.QualityAnalysis.Improved)
	assert.Less(t, final.QualityAnalysis.FinalLoss, final.QualityAnalysis.InitialLoss)

	milestones := map[int]int{}
	for _, n := range final.Notifications {
		if n.Milestone != nil {
			milestones[*n.Milestone]++
		}
	}
	assert.Equal(t, map[int]int{25: 1, 50: 1, 75: 1, 100: 1}, milestones)
}

// S2: pausing mid-run writes a pause checkpoint and transitions to
// PAUSED; resuming reads it back and the run completes, with the same
// four milestone notifications as an uninterrupted run.
func TestPauseThenResumeCompletes(t *testing.T) {
	registry := connectors.NewRegistry()
	require.NoError(t, registry.Register(connectors.NewLocalConnector()))
	m := newMachine(t, registry)

	cfg := validConfig()
	cfg.MaxSteps = 50
	cfg.SaveSteps = 10
	job, err := m.CreateJob(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), job.JobID, "local"))
	waitForState(t, m, job.JobID, api.StateRunning, 2*time.Second)
	time.Sleep(30 * time.Millisecond)

	ckpt, err := m.Pause(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, api.CheckpointPause, ckpt.Reason)

	paused, err := m.Status(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, api.StatePaused, paused.State)
	assert.NotNil(t, paused.PausedAt)

	require.NoError(t, m.Resume(context.Background(), job.JobID))

	final := waitForState(t, m, job.JobID, api.StateCompleted, 5*time.Second)
	milestones := map[int]int{}
	for _, n := range final.Notifications {
		if n.Milestone != nil {
			milestones[*n.Milestone]++
		}
	}
	assert.Equal(t, map[int]int{25: 1, 50: 1, 75: 1, 100: 1}, milestones)
}

// S3: a gradient-norm spike above the absolute threshold fires exactly
// one HIGH gradient_explosion anomaly notification, the automatic
// recovery actions apply without halting the run, and the job still
// reaches COMPLETED.
func TestGradientExplosionRecoversAndCompletes(t *testing.T) {
	grad := 15.0
	normalGrad := 0.6
	statuses := []connectors.JobStatus{
		{Status: connectors.ProviderStatusRunning, Metrics: &api.MetricsSample{Step: 1, Loss: 2.0, GradNorm: &normalGrad}},
		{Status: connectors.ProviderStatusRunning, Metrics: &api.MetricsSample{Step: 2, Loss: 1.9, GradNorm: &normalGrad}},
		{Status: connectors.ProviderStatusRunning, Metrics: &api.MetricsSample{Step: 3, Loss: 1.8, GradNorm: &grad}},
		{Status: connectors.ProviderStatusRunning, Metrics: &api.MetricsSample{Step: 4, Loss: 1.7, GradNorm: &normalGrad}},
		{Status: connectors.ProviderStatusCompleted},
	}
	conn := &scriptedConnector{name: "scripted", statuses: statuses, fetchPayload: []byte("ok")}

	registry := connectors.NewRegistry()
	require.NoError(t, registry.Register(conn))
	m := newMachine(t, registry)

	cfg := validConfig()
	cfg.MaxSteps = 4
	job, err := m.CreateJob(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), job.JobID, "scripted"))

	final := waitForState(t, m, job.JobID, api.StateCompleted, 5*time.Second)

	explosions := 0
	for _, n := range final.Notifications {
		if n.Type == api.NotificationError {
			explosions++
		}
	}
	assert.Equal(t, 1, explosions)
}

// S4: a non-finite loss fires a CRITICAL loss_divergence anomaly; with
// no checkpoint yet written, the automatic reload action fails and the
// job terminates FAILED with a clear error message.
func TestLossDivergenceWithoutCheckpointFails(t *testing.T) {
	nan := math.NaN()
	statuses := []connectors.JobStatus{
		{Status: connectors.ProviderStatusRunning, Metrics: &api.MetricsSample{Step: 1, Loss: 2.0}},
		{Status: connectors.ProviderStatusRunning, Metrics: &api.MetricsSample{Step: 2, Loss: 1.95}},
		{Status: connectors.ProviderStatusRunning, Metrics: &api.MetricsSample{Step: 3, Loss: nan}},
	}
	conn := &scriptedConnector{name: "scripted", statuses: statuses}

	registry := connectors.NewRegistry()
	require.NoError(t, registry.Register(conn))
	m := newMachine(t, registry)

	cfg := validConfig()
	cfg.MaxSteps = 100
	cfg.SaveSteps = 500 // never reached before the NaN step fires
	job, err := m.CreateJob(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), job.JobID, "scripted"))

	final := waitForState(t, m, job.JobID, api.StateFailed, 5*time.Second)
	assert.NotEmpty(t, final.ErrorMessage)
}

// S5: stop() invokes the connector's CancelJob exactly once and the job
// terminates STOPPED regardless of the provider's eventual outcome.
func TestStopCancelsProviderJobExactlyOnce(t *testing.T) {
	conn := &scriptedConnector{name: "scripted", statuses: []connectors.JobStatus{
		{Status: connectors.ProviderStatusRunning, Metrics: &api.MetricsSample{Step: 1, Loss: 2.0}},
	}}

	registry := connectors.NewRegistry()
	require.NoError(t, registry.Register(conn))
	m := newMachine(t, registry)

	cfg := validConfig()
	job, err := m.CreateJob(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), job.JobID, "scripted"))
	waitForState(t, m, job.JobID, api.StateRunning, 2*time.Second)

	require.NoError(t, m.Stop(context.Background(), job.JobID))

	final, err := m.Status(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, api.StateStopped, final.State)
	assert.Equal(t, 1, conn.cancelCount())
}

// S6: a completed provider job's fetched artifact is written to disk
// with the reported length and a matching SHA-256 digest.
func TestArtifactIntegrityOnCompletion(t *testing.T) {
	payload := []byte("adapter-weights-blob")
	conn := &scriptedConnector{
		name: "scripted",
		statuses: []connectors.JobStatus{
			{Status: connectors.ProviderStatusCompleted},
		},
		fetchPayload: payload,
	}

	registry := connectors.NewRegistry()
	require.NoError(t, registry.Register(conn))
	m := newMachine(t, registry)

	cfg := validConfig()
	job, err := m.CreateJob(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background(), job.JobID, "scripted"))

	final := waitForState(t, m, job.JobID, api.StateCompleted, 5*time.Second)
	require.NotNil(t, final.ArtifactInfo)

	assert.Equal(t, int64(len(payload)), final.ArtifactInfo.SizeBytes)
	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), final.ArtifactInfo.SHA256)
	assert.True(t, final.ArtifactInfo.Verified)
	assert.FileExists(t, final.ArtifactInfo.Path)

	artifact, err := m.GetArtifact(job.JobID)
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, final.ArtifactInfo.SHA256, artifact.SHA256)
}

func TestSubscribeMetricsReceivesIngestedSamples(t *testing.T) {
	registry := connectors.NewRegistry()
	require.NoError(t, registry.Register(connectors.NewLocalConnector()))
	m := newMachine(t, registry)

	cfg := validConfig()
	cfg.MaxSteps = 20
	cfg.SaveSteps = 10
	job, err := m.CreateJob(cfg)
	require.NoError(t, err)

	ch, cancel := m.SubscribeMetrics(job.JobID)
	defer cancel()

	require.NoError(t, m.Start(context.Background(), job.JobID, "local"))

	select {
	case sample := <-ch:
		assert.GreaterOrEqual(t, sample.Step, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a metrics sample")
	}
}

func TestCreateJobRejectsInvalidConfig(t *testing.T) {
	registry := connectors.NewRegistry()
	m := newMachine(t, registry)

	_, err := m.CreateJob(api.Config{})
	assert.Error(t, err)
}

func TestStartUnknownJobIsNotFound(t *testing.T) {
	registry := connectors.NewRegistry()
	m := newMachine(t, registry)
	err := m.Start(context.Background(), "missing", "local")
	assert.Error(t, err)
}
