// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package connectors

import (
	"context"
	"time"

	"github.com/peftkit/orchestrator/pkg/errors"
	"github.com/peftkit/orchestrator/pkg/logging"
)

// LambdaLabsConnector submits training jobs as Lambda Labs cloud
// instances running a training entrypoint script.
type LambdaLabsConnector struct {
	client *restClient
}

func NewLambdaLabsConnector(logger logging.Logger) *LambdaLabsConnector {
	return &LambdaLabsConnector{client: newRESTClient("https://cloud.lambdalabs.com/api/v1", "", logger)}
}

func (l *LambdaLabsConnector) Name() string { return "lambdalabs" }

func (l *LambdaLabsConnector) Connect(ctx context.Context, credentials map[string]string) error {
	key, ok := credentials["api_key"]
	if !ok || key == "" {
		return errors.Validation("api_key", "required for lambdalabs connector")
	}
	l.client = newRESTClient(l.client.baseURL, key, l.client.logger)
	return nil
}

func (l *LambdaLabsConnector) Disconnect(ctx context.Context) error { return nil }

func (l *LambdaLabsConnector) VerifyConnection(ctx context.Context) error {
	return l.client.doJSON(ctx, "GET", "/instance-types", nil, nil, nil)
}

type lambdaSubmitBody struct {
	InstanceType string `json:"instance_type_name"`
	Name         string `json:"name"`
}

type lambdaSubmitResponse struct {
	Data struct {
		InstanceIDs []string `json:"instance_ids"`
	} `json:"data"`
}

func (l *LambdaLabsConnector) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	body := lambdaSubmitBody{InstanceType: "gpu_1x_a100", Name: "peft-" + req.JobID}

	var resp lambdaSubmitResponse
	if err := l.client.doJSON(ctx, "POST", "/instance-operations/launch", nil, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Data.InstanceIDs) == 0 {
		return "", errors.New(errors.KindConnectorPermanent, "lambdalabs returned no instance id")
	}
	return resp.Data.InstanceIDs[0], nil
}

type lambdaStatusResponse struct {
	Data struct {
		Status string `json:"status"`
	} `json:"data"`
}

func (l *LambdaLabsConnector) GetJobStatus(ctx context.Context, providerJobID string) (JobStatus, error) {
	var resp lambdaStatusResponse
	if err := l.client.doJSON(ctx, "GET", "/instances/"+providerJobID, nil, nil, &resp); err != nil {
		return JobStatus{}, err
	}
	return JobStatus{ProviderJobID: providerJobID, Status: mapLambdaStatus(resp.Data.Status)}, nil
}

func mapLambdaStatus(s string) ProviderStatus {
	switch s {
	case "booting":
		return ProviderStatusQueued
	case "active":
		return ProviderStatusRunning
	case "terminated":
		return ProviderStatusCompleted
	default:
		return ProviderStatusFailed
	}
}

func (l *LambdaLabsConnector) CancelJob(ctx context.Context, providerJobID string) error {
	body := map[string][]string{"instance_ids": {providerJobID}}
	return l.client.doJSON(ctx, "POST", "/instance-operations/terminate", nil, body, nil)
}

func (l *LambdaLabsConnector) StreamLogs(ctx context.Context, providerJobID string) (<-chan LogChunk, error) {
	ch := make(chan LogChunk, 1)
	ch <- LogChunk{Text: "lambdalabs does not expose a log API; status polling only", Timestamp: time.Now(), Final: true}
	close(ch)
	return ch, nil
}

func (l *LambdaLabsConnector) FetchArtifact(ctx context.Context, providerJobID string, dest string) error {
	return fetchArtifactFile(ctx, l.client, "/instances/"+providerJobID+"/artifact", dest)
}

func (l *LambdaLabsConnector) ListResources(ctx context.Context) ([]Resource, error) {
	var resp struct {
		Data map[string]struct {
			InstanceType struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"instance_type"`
			RegionsWithCapacityAvailable []struct {
				Name string `json:"name"`
			} `json:"regions_with_capacity_available"`
		} `json:"data"`
	}
	if err := l.client.doJSON(ctx, "GET", "/instance-types", nil, nil, &resp); err != nil {
		return nil, err
	}

	resources := make([]Resource, 0, len(resp.Data))
	for id, entry := range resp.Data {
		resources = append(resources, Resource{
			ID:        id,
			Name:      entry.InstanceType.Description,
			Available: len(entry.RegionsWithCapacityAvailable) > 0,
		})
	}
	return resources, nil
}

func (l *LambdaLabsConnector) GetPricing(ctx context.Context, resourceID string) (PricingInfo, error) {
	q, err := queryParam("instance_type", resourceID)
	if err != nil {
		return PricingInfo{}, errors.Wrap(errors.KindConnectorPermanent, "encode pricing query", err)
	}

	var resp PricingInfo
	if err := l.client.doJSON(ctx, "GET", "/instance-types/pricing", []string{q}, nil, &resp); err != nil {
		return PricingInfo{}, err
	}
	return resp, nil
}
