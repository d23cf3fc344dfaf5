// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/peftkit/orchestrator/pkg/errors"
)

// configSchema is the embedded OpenAPI 3 schema document bounding the
// numeric and enum fields of Config (rank/alpha/dropout ranges, algorithm
// membership, batch_size/gradient_accumulation/save_total_limit minimums).
// Optimizer and precision values are not checked by it. It is built once
// and reused by every Validate call rather than parsed per-call.
var configSchema = openapi3.NewObjectSchema().WithProperties(map[string]*openapi3.Schema{
	"rank":    openapi3.NewIntegerSchema().WithMin(1),
	"alpha":   openapi3.NewFloat64Schema().WithMin(0).WithExclusiveMin(true),
	"dropout": openapi3.NewFloat64Schema().WithMin(0).WithMax(1),
	"algorithm": openapi3.NewStringSchema().WithEnum(
		string(AlgorithmLoRA), string(AlgorithmQLoRA), string(AlgorithmDoRA),
		string(AlgorithmPiSSA), string(AlgorithmRSLoRA),
	),
	"batch_size":            openapi3.NewIntegerSchema().WithMin(1),
	"gradient_accumulation": openapi3.NewIntegerSchema().WithMin(1),
	"save_total_limit":      openapi3.NewIntegerSchema().WithMin(1),
})

// Validate enforces the §3/§4.F rules: the schema-bounded numeric/enum
// fields above, plus the hand-written cross-field rules the schema can't
// express (DoRA/PiSSA + quantization, tracker-without-project).
func (c Config) Validate() error {
	if c.BaseModel == "" {
		return errors.Validation("base_model", "must not be empty")
	}
	if c.DatasetPath == "" {
		return errors.Validation("dataset_path", "must not be empty")
	}

	raw, err := json.Marshal(map[string]any{
		"rank":                  c.Rank,
		"alpha":                 c.Alpha,
		"dropout":               c.Dropout,
		"algorithm":             string(c.Algorithm),
		"batch_size":            valueOrOne(c.BatchSize),
		"gradient_accumulation": valueOrOne(c.GradientAccumulation),
		"save_total_limit":      valueOrOne(c.SaveTotalLimit),
	})
	if err != nil {
		return errors.Wrap(errors.KindValidation, "failed to encode config for validation", err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return errors.Wrap(errors.KindValidation, "failed to decode config for validation", err)
	}

	if err := configSchema.VisitJSON(decoded); err != nil {
		return errors.Validation("config", fmt.Sprintf("schema check failed: %s", err))
	}

	if (c.Algorithm == AlgorithmDoRA || c.Algorithm == AlgorithmPiSSA) && c.Quantization != "" {
		return errors.Validation("quantization", fmt.Sprintf("%s is not compatible with quantization", c.Algorithm))
	}
	if c.ExperimentTracker != "" && c.ProjectName == "" {
		return errors.Validation("project_name", "required when experiment_tracker is set")
	}

	return nil
}

// valueOrOne substitutes 1 for an unset (zero) positive-integer field so
// the schema's WithMin(1) doesn't reject fields the caller legitimately
// left at their Go zero value pending a default elsewhere.
func valueOrOne(v int) int {
	if v == 0 {
		return 1
	}
	return v
}
