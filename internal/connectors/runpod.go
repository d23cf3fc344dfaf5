// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/pkg/errors"
	"github.com/peftkit/orchestrator/pkg/logging"
)

// RunPodConnector submits training jobs as RunPod serverless pods.
type RunPodConnector struct {
	client *restClient
}

// NewRunPodConnector creates a disconnected RunPod connector; call
// Connect with an "api_key" credential before use.
func NewRunPodConnector(logger logging.Logger) *RunPodConnector {
	return &RunPodConnector{client: newRESTClient("https://api.runpod.io/v2", "", logger)}
}

func (r *RunPodConnector) Name() string { return "runpod" }

func (r *RunPodConnector) Connect(ctx context.Context, credentials map[string]string) error {
	key, ok := credentials["api_key"]
	if !ok || key == "" {
		return errors.Validation("api_key", "required for runpod connector")
	}
	r.client = newRESTClient(r.client.baseURL, key, r.client.logger)
	return nil
}

func (r *RunPodConnector) Disconnect(ctx context.Context) error { return nil }

func (r *RunPodConnector) VerifyConnection(ctx context.Context) error {
	return r.client.doJSON(ctx, "GET", "/user", nil, nil, nil)
}

type runpodSubmitBody struct {
	Input struct {
		BaseModel   string `json:"base_model"`
		DatasetPath string `json:"dataset_path"`
		Algorithm   string `json:"algorithm"`
	} `json:"input"`
}

type runpodSubmitResponse struct {
	ID string `json:"id"`
}

func (r *RunPodConnector) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	var body runpodSubmitBody
	body.Input.BaseModel = req.Config.BaseModel
	body.Input.DatasetPath = req.Config.DatasetPath
	body.Input.Algorithm = string(req.Config.Algorithm)

	var resp runpodSubmitResponse
	if err := r.client.doJSON(ctx, "POST", "/peft-train/run", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type runpodStatusResponse struct {
	Status string `json:"status"`
	Output struct {
		Step         int     `json:"step"`
		Loss         float64 `json:"loss"`
		LearningRate float64 `json:"learning_rate"`
	} `json:"output"`
}

func (r *RunPodConnector) GetJobStatus(ctx context.Context, providerJobID string) (JobStatus, error) {
	var resp runpodStatusResponse
	if err := r.client.doJSON(ctx, "GET", "/peft-train/status/"+providerJobID, nil, nil, &resp); err != nil {
		return JobStatus{}, err
	}

	status := mapRunPodStatus(resp.Status)
	out := JobStatus{ProviderJobID: providerJobID, Status: status}
	if status == ProviderStatusRunning {
		out.Metrics = &api.MetricsSample{
			Step:         resp.Output.Step,
			Loss:         resp.Output.Loss,
			LearningRate: resp.Output.LearningRate,
			Timestamp:    time.Now(),
		}
	}
	return out, nil
}

func mapRunPodStatus(s string) ProviderStatus {
	switch s {
	case "IN_QUEUE":
		return ProviderStatusQueued
	case "IN_PROGRESS":
		return ProviderStatusRunning
	case "COMPLETED":
		return ProviderStatusCompleted
	case "CANCELLED":
		return ProviderStatusCanceled
	default:
		return ProviderStatusFailed
	}
}

func (r *RunPodConnector) CancelJob(ctx context.Context, providerJobID string) error {
	return r.client.doJSON(ctx, "POST", "/peft-train/cancel/"+providerJobID, nil, nil, nil)
}

func (r *RunPodConnector) StreamLogs(ctx context.Context, providerJobID string) (<-chan LogChunk, error) {
	ch := make(chan LogChunk, 1)
	go func() {
		defer close(ch)
		var resp struct {
			Logs string `json:"logs"`
		}
		if err := r.client.doJSON(ctx, "GET", "/peft-train/logs/"+providerJobID, nil, nil, &resp); err != nil {
			return
		}
		ch <- LogChunk{Text: resp.Logs, Timestamp: time.Now(), Final: true}
	}()
	return ch, nil
}

func (r *RunPodConnector) FetchArtifact(ctx context.Context, providerJobID string, dest string) error {
	return fetchArtifactFile(ctx, r.client, fmt.Sprintf("/peft-train/artifact/%s", providerJobID), dest)
}

func (r *RunPodConnector) ListResources(ctx context.Context) ([]Resource, error) {
	var resp []Resource
	if err := r.client.doJSON(ctx, "GET", "/gpus", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *RunPodConnector) GetPricing(ctx context.Context, resourceID string) (PricingInfo, error) {
	q, err := queryParam("gpu_id", resourceID)
	if err != nil {
		return PricingInfo{}, errors.Wrap(errors.KindConnectorPermanent, "encode pricing query", err)
	}

	var resp PricingInfo
	if err := r.client.doJSON(ctx, "GET", "/gpus/pricing", []string{q}, nil, &resp); err != nil {
		return PricingInfo{}, err
	}
	return resp, nil
}
