// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package metricspipeline implements the per-job metrics fan-out
// described in §4.E: a bounded in-memory ring of samples plus a
// non-blocking broadcast to external subscribers that coalesces to
// "keep only the newest" when a subscriber falls behind. The anomaly
// detector and notification engine are not fan-out subscribers of this
// package — per §4.E they consume every sample synchronously, which
// internal/jobmachine wires directly as part of handling a sample event.
package metricspipeline

import (
	"math"
	"time"

	"github.com/peftkit/orchestrator/api"
)

// MinHistory is the minimum number of samples the bounded ring keeps
// per job, per §3's "bounded ring of at least the last 100 samples".
const MinHistory = 100

// AppendBounded appends sample to history, trimming from the front so
// at most capacity samples are kept (capacity defaults to MinHistory
// when non-positive).
func AppendBounded(history []api.MetricsSample, sample api.MetricsSample, capacity int) []api.MetricsSample {
	if capacity <= 0 {
		capacity = MinHistory
	}
	history = append(history, sample)
	if len(history) > capacity {
		history = history[len(history)-capacity:]
	}
	return history
}

// Zone is the derived loss-zone attribute used for visualization.
type Zone string

const (
	ZoneRed    Zone = "red"
	ZoneYellow Zone = "yellow"
	ZoneGreen  Zone = "green"
)

// LossZone implements §4.E's derived loss-zone rules: invalid values
// are always red; with a previous sample, a jump of more than 10% or an
// absolute value above 2.0 is red, a decreasing loss under 1.0 is
// green, and everything else with history is yellow; without history,
// the zone follows flat absolute thresholds.
func LossZone(current float64, previous *float64) Zone {
	if math.IsNaN(current) || math.IsInf(current, 0) || current < 0 {
		return ZoneRed
	}

	if previous == nil {
		switch {
		case current < 1.0:
			return ZoneGreen
		case current < 2.0:
			return ZoneYellow
		default:
			return ZoneRed
		}
	}

	prev := *previous
	decreasing := current < prev
	if prev > 0 {
		change := (current - prev) / prev
		if change > 0.10 {
			return ZoneRed
		}
	}
	if current > 2.0 {
		return ZoneRed
	}
	if decreasing && current < 1.0 {
		return ZoneGreen
	}
	if decreasing && current >= 1.0 {
		return ZoneYellow
	}
	return ZoneYellow
}

// ETA implements §4.E's ETA derivation: the average throughput
// (samples/sec) over the last 10 samples. A non-positive average
// throughput means the ETA is unknown, reported as zero.
func ETA(history []api.MetricsSample, remainingSamples int) time.Duration {
	if remainingSamples <= 0 || len(history) == 0 {
		return 0
	}

	window := history
	if len(window) > 10 {
		window = window[len(window)-10:]
	}

	var sum float64
	for _, s := range window {
		sum += s.SamplesPerSecond
	}
	avg := sum / float64(len(window))
	if avg <= 0 {
		return 0
	}
	return time.Duration(float64(remainingSamples) / avg * float64(time.Second))
}
