// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package connectors

import (
	"context"
	"strconv"
	"time"

	"github.com/peftkit/orchestrator/pkg/errors"
	"github.com/peftkit/orchestrator/pkg/logging"
)

// VastAIConnector submits training jobs as Vast.ai rented instances,
// the provider whose marketplace pricing varies per-offer rather than
// per fixed SKU.
type VastAIConnector struct {
	client *restClient
}

func NewVastAIConnector(logger logging.Logger) *VastAIConnector {
	return &VastAIConnector{client: newRESTClient("https://console.vast.ai/api/v0", "", logger)}
}

func (v *VastAIConnector) Name() string { return "vastai" }

func (v *VastAIConnector) Connect(ctx context.Context, credentials map[string]string) error {
	key, ok := credentials["api_key"]
	if !ok || key == "" {
		return errors.Validation("api_key", "required for vastai connector")
	}
	v.client = newRESTClient(v.client.baseURL, key, v.client.logger)
	return nil
}

func (v *VastAIConnector) Disconnect(ctx context.Context) error { return nil }

func (v *VastAIConnector) VerifyConnection(ctx context.Context) error {
	return v.client.doJSON(ctx, "GET", "/users/current", nil, nil, nil)
}

type vastSubmitBody struct {
	ClientID string `json:"client_id"`
	Image    string `json:"image"`
}

type vastSubmitResponse struct {
	NewContract int `json:"new_contract"`
	Success     bool `json:"success"`
}

func (v *VastAIConnector) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	body := vastSubmitBody{ClientID: req.JobID, Image: "peft-training:latest"}

	var resp vastSubmitResponse
	if err := v.client.doJSON(ctx, "PUT", "/asks/0/", nil, body, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", errors.New(errors.KindConnectorPermanent, "vastai rejected the offer")
	}
	return strconv.Itoa(resp.NewContract), nil
}

type vastStatusResponse struct {
	Instances struct {
		ActualStatus string `json:"actual_status"`
	} `json:"instances"`
}

func (v *VastAIConnector) GetJobStatus(ctx context.Context, providerJobID string) (JobStatus, error) {
	var resp vastStatusResponse
	if err := v.client.doJSON(ctx, "GET", "/instances/"+providerJobID, nil, nil, &resp); err != nil {
		return JobStatus{}, err
	}
	return JobStatus{ProviderJobID: providerJobID, Status: mapVastStatus(resp.Instances.ActualStatus)}, nil
}

func mapVastStatus(s string) ProviderStatus {
	switch s {
	case "loading":
		return ProviderStatusQueued
	case "running":
		return ProviderStatusRunning
	case "exited":
		return ProviderStatusCompleted
	default:
		return ProviderStatusFailed
	}
}

func (v *VastAIConnector) CancelJob(ctx context.Context, providerJobID string) error {
	return v.client.doJSON(ctx, "DELETE", "/instances/"+providerJobID+"/", nil, nil, nil)
}

func (v *VastAIConnector) StreamLogs(ctx context.Context, providerJobID string) (<-chan LogChunk, error) {
	ch := make(chan LogChunk, 1)
	go func() {
		defer close(ch)
		var resp struct {
			Log string `json:"log"`
		}
		if err := v.client.doJSON(ctx, "GET", "/instances/"+providerJobID+"/logs", nil, nil, &resp); err != nil {
			return
		}
		ch <- LogChunk{Text: resp.Log, Timestamp: time.Now(), Final: true}
	}()
	return ch, nil
}

func (v *VastAIConnector) FetchArtifact(ctx context.Context, providerJobID string, dest string) error {
	return fetchArtifactFile(ctx, v.client, "/instances/"+providerJobID+"/artifact", dest)
}

func (v *VastAIConnector) ListResources(ctx context.Context) ([]Resource, error) {
	var resp struct {
		Offers []struct {
			ID       int     `json:"id"`
			GPUName  string  `json:"gpu_name"`
			NumGPUs  int     `json:"num_gpus"`
			GPUTotalRAM int  `json:"gpu_total_ram"`
			Rentable bool    `json:"rentable"`
		} `json:"offers"`
	}
	if err := v.client.doJSON(ctx, "GET", "/bundles/", nil, nil, &resp); err != nil {
		return nil, err
	}

	resources := make([]Resource, 0, len(resp.Offers))
	for _, o := range resp.Offers {
		resources = append(resources, Resource{
			ID:        strconv.Itoa(o.ID),
			Name:      o.GPUName,
			GPUType:   o.GPUName,
			GPUCount:  o.NumGPUs,
			VRAMGB:    o.GPUTotalRAM / 1024,
			Available: o.Rentable,
		})
	}
	return resources, nil
}

func (v *VastAIConnector) GetPricing(ctx context.Context, resourceID string) (PricingInfo, error) {
	q, err := queryParam("id", resourceID)
	if err != nil {
		return PricingInfo{}, errors.Wrap(errors.KindConnectorPermanent, "encode pricing query", err)
	}

	var resp PricingInfo
	if err := v.client.doJSON(ctx, "GET", "/bundles/pricing", []string{q}, nil, &resp); err != nil {
		return PricingInfo{}, err
	}
	return resp, nil
}
