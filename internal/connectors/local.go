// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package connectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/pkg/errors"
)

// LocalConnector runs a synthetic training loop in-process rather than
// against a real provider. It exists so the kernel (dispatcher, job
// machine, anomaly detection, notifications) can be exercised end to end
// without GPU hardware or cloud credentials; the training math is a
// stand-in, not a simulator of any particular model or dataset.
type LocalConnector struct {
	mu    sync.Mutex
	jobs  map[string]*localJob
	rand  *rand.Rand
}

type localJob struct {
	req        SubmitRequest
	totalSteps int
	step       int
	status     ProviderStatus
	canceled   bool
}

// NewLocalConnector creates a LocalConnector with its own deterministic
// RNG seed so repeated runs of the same config produce the same metrics
// trajectory.
func NewLocalConnector() *LocalConnector {
	return &LocalConnector{
		jobs: make(map[string]*localJob),
		rand: rand.New(rand.NewSource(1)),
	}
}

func (c *LocalConnector) Name() string { return "local" }

func (c *LocalConnector) Connect(ctx context.Context, credentials map[string]string) error {
	return nil
}

func (c *LocalConnector) Disconnect(ctx context.Context) error { return nil }

func (c *LocalConnector) VerifyConnection(ctx context.Context) error { return nil }

func (c *LocalConnector) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	total := req.Config.MaxSteps
	if total <= 0 {
		epochs := req.Config.NumEpochs
		if epochs <= 0 {
			epochs = 1
		}
		total = epochs * 1000
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	providerJobID := "local-" + req.JobID
	c.jobs[providerJobID] = &localJob{
		req:        req,
		totalSteps: total,
		status:     ProviderStatusRunning,
	}
	return providerJobID, nil
}

// GetJobStatus advances the synthetic job by one step per call, the way
// a poller would observe incremental progress from a real provider.
func (c *LocalConnector) GetJobStatus(ctx context.Context, providerJobID string) (JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[providerJobID]
	if !ok {
		return JobStatus{}, errors.NotFound("provider job", providerJobID)
	}
	if job.canceled {
		return JobStatus{ProviderJobID: providerJobID, Status: ProviderStatusCanceled}, nil
	}
	if job.step >= job.totalSteps {
		return JobStatus{ProviderJobID: providerJobID, Status: ProviderStatusCompleted}, nil
	}

	job.step++
	step := job.step

	progress := float64(step) / float64(job.totalSteps)
	loss := 2.0 - progress*1.5 + (c.rand.Float64()-0.5)*0.05
	gradNorm := 0.5 + c.rand.Float64()*0.1

	sample := &api.MetricsSample{
		Step:             step,
		Epoch:            float64(step) / 1000,
		Loss:             loss,
		LearningRate:     0.0002,
		GradNorm:         &gradNorm,
		Throughput:       10.0,
		SamplesPerSecond: 40.0,
		CPUUtil:          0.3,
		RAMUsed:          0.4,
		Timestamp:        time.Now(),
		Elapsed:          time.Duration(step) * 100 * time.Millisecond,
		ETA:              time.Duration(job.totalSteps-step) * 100 * time.Millisecond,
	}

	return JobStatus{
		ProviderJobID: providerJobID,
		Status:        ProviderStatusRunning,
		Metrics:       sample,
	}, nil
}

func (c *LocalConnector) CancelJob(ctx context.Context, providerJobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[providerJobID]
	if !ok {
		return errors.NotFound("provider job", providerJobID)
	}
	job.canceled = true
	return nil
}

func (c *LocalConnector) StreamLogs(ctx context.Context, providerJobID string) (<-chan LogChunk, error) {
	c.mu.Lock()
	_, ok := c.jobs[providerJobID]
	c.mu.Unlock()
	if !ok {
		return nil, errors.NotFound("provider job", providerJobID)
	}

	ch := make(chan LogChunk, 1)
	ch <- LogChunk{Text: fmt.Sprintf("local simulation running for %s", providerJobID), Timestamp: time.Now()}
	close(ch)
	return ch, nil
}

// FetchArtifact writes a deterministic placeholder adapter file to dest,
// standing in for a real checkpoint download.
func (c *LocalConnector) FetchArtifact(ctx context.Context, providerJobID string, dest string) error {
	c.mu.Lock()
	job, ok := c.jobs[providerJobID]
	c.mu.Unlock()
	if !ok {
		return errors.NotFound("provider job", providerJobID)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(errors.KindUnknown, "create artifact directory", err)
	}

	digest := sha256.Sum256([]byte(job.req.JobID))
	content := []byte("synthetic-adapter:" + hex.EncodeToString(digest[:]))
	if err := os.WriteFile(dest, content, 0o644); err != nil {
		return errors.Wrap(errors.KindUnknown, "write artifact", err)
	}
	return nil
}

func (c *LocalConnector) ListResources(ctx context.Context) ([]Resource, error) {
	return []Resource{
		{ID: "local-cpu", Name: "local simulation", GPUType: "none", GPUCount: 0, Available: true},
	}, nil
}

func (c *LocalConnector) GetPricing(ctx context.Context, resourceID string) (PricingInfo, error) {
	return PricingInfo{ResourceID: resourceID, PricePerHour: 0, Currency: "USD"}, nil
}
