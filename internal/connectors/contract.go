// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package connectors defines the provider plugin contract and ships the
// concrete connectors: a synthetic local simulation and REST clients for
// RunPod, Lambda Labs, and Vast.ai.
package connectors

import (
	"context"
	"time"

	"github.com/peftkit/orchestrator/api"
)

// SubmitRequest is what the dispatcher hands a connector to start a job
// on a provider.
type SubmitRequest struct {
	JobID  string
	Config api.Config
}

// ProviderStatus is the provider's own view of a submitted job, before
// it is translated into an api.TrainingState by the job machine.
type ProviderStatus string

const (
	ProviderStatusQueued    ProviderStatus = "queued"
	ProviderStatusRunning   ProviderStatus = "running"
	ProviderStatusCompleted ProviderStatus = "completed"
	ProviderStatusFailed    ProviderStatus = "failed"
	ProviderStatusCanceled  ProviderStatus = "canceled"
)

// JobStatus is a provider-reported status snapshot.
type JobStatus struct {
	ProviderJobID string
	Status        ProviderStatus
	Message       string
	Metrics       *api.MetricsSample
}

// LogChunk is one batch of provider log output.
type LogChunk struct {
	Text      string
	Timestamp time.Time
	Final     bool
}

// Resource describes one unit of compute a provider can offer.
type Resource struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	GPUType    string            `json:"gpu_type"`
	GPUCount   int               `json:"gpu_count"`
	VRAMGB     int               `json:"vram_gb"`
	Available  bool              `json:"available"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// PricingInfo is the provider's rate for a resource.
type PricingInfo struct {
	ResourceID      string  `json:"resource_id"`
	PricePerHour    float64 `json:"price_per_hour"`
	Currency        string  `json:"currency"`
	SpotDiscount    float64 `json:"spot_discount,omitempty"`
	MinimumBillable time.Duration `json:"minimum_billable,omitempty"`
}

// Connector is the plugin contract every provider must implement. All
// methods accept a context and must honor cancellation; a connector that
// blocks past its caller's deadline is a bug in that connector, not in
// the dispatcher.
type Connector interface {
	// Name is the registry key; it must be stable across releases.
	Name() string

	Connect(ctx context.Context, credentials map[string]string) error
	Disconnect(ctx context.Context) error
	VerifyConnection(ctx context.Context) error

	SubmitJob(ctx context.Context, req SubmitRequest) (providerJobID string, err error)
	GetJobStatus(ctx context.Context, providerJobID string) (JobStatus, error)
	CancelJob(ctx context.Context, providerJobID string) error
	StreamLogs(ctx context.Context, providerJobID string) (<-chan LogChunk, error)
	FetchArtifact(ctx context.Context, providerJobID string, dest string) error

	ListResources(ctx context.Context) ([]Resource, error)
	GetPricing(ctx context.Context, resourceID string) (PricingInfo, error)
}

// InferenceRequest is a single prompt/response round for a deployed
// adapter.
type InferenceRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// InferenceResponse is the provider's reply to an InferenceRequest.
type InferenceResponse struct {
	Text       string
	TokensUsed int
	LatencyMS  int64
}

// InferenceConnector is an optional capability surface: connectors that
// also support deploying and querying a trained adapter implement this
// in addition to Connector. Callers type-assert for it rather than
// requiring it on every connector.
type InferenceConnector interface {
	Connector

	DeployAdapter(ctx context.Context, artifact api.Artifact) (endpointID string, err error)
	TeardownAdapter(ctx context.Context, endpointID string) error
	Infer(ctx context.Context, endpointID string, req InferenceRequest) (InferenceResponse, error)
	ListDeployments(ctx context.Context) ([]string, error)
	DeploymentStatus(ctx context.Context, endpointID string) (ProviderStatus, error)
	UpdateDeployment(ctx context.Context, endpointID string, artifact api.Artifact) error
}
