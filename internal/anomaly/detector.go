// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package anomaly implements the per-job stateful analyzer of loss,
// gradient, and memory streams: it turns a sequence of ingested metric
// samples into typed anomalies with suggested remediation actions.
package anomaly

import (
	"fmt"
	"math"
	"sync"

	"github.com/peftkit/orchestrator/api"
)

// Recovery action names the job state machine recognizes and is able to
// execute automatically. Detector suggested-action descriptions use
// these exact strings so callers can switch on them rather than parse
// free text.
const (
	ActionReduceBatchSize        = "reduce_batch_size"
	ActionReduceLearningRate     = "reduce_learning_rate"
	ActionEnableGradientClipping = "enable_gradient_clipping"
	ActionReloadLastCheckpoint   = "reload_last_checkpoint"
)

// Thresholds bounds every numeric cutoff the detector uses, overridable
// per Detector instance; the zero value is never valid, use
// DefaultThresholds.
type Thresholds struct {
	LossDivergenceFactor float64 // latest loss > factor * min(previous 4)
	LossDivergenceWindow int     // minimum samples (including current) before divergence can fire

	GradientExplosionAbsolute float64 // grad_norm above this is HIGH regardless of history
	GradientExplosionSpike    float64 // grad_norm >= spike * avg(previous 4) is MEDIUM
	GradientHistoryWindow     int

	OverfitGap      float64 // val_loss - train_loss above this, with matching trend, is MEDIUM
	OverfitMinPairs int

	OOMUtilization float64 // used/total above this is HIGH

	MemoryLeakWindow        int // last N samples examined
	MemoryLeakMinIncreasing int // adjacent increases required within the window
}

// DefaultThresholds returns the defaults named in the specification.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LossDivergenceFactor:      2.0,
		LossDivergenceWindow:      5,
		GradientExplosionAbsolute: 10.0,
		GradientExplosionSpike:    5.0,
		GradientHistoryWindow:     4,
		OverfitGap:                0.5,
		OverfitMinPairs:           3,
		OOMUtilization:            0.90,
		MemoryLeakWindow:          10,
		MemoryLeakMinIncreasing:   7,
	}
}

// jobBuffers holds the rolling history used to evaluate trend-based
// anomalies for one job.
type jobBuffers struct {
	loss      []float64
	gradNorm  []float64
	memUtil   []float64
	trainLoss []float64
	valLoss   []float64
}

// Detector is a stateful per-job analyzer. CheckAll is pure over the
// sequence of samples fed to a given job: replaying the same samples in
// the same order from a freshly cleared state produces the same
// anomalies every time.
type Detector struct {
	mu         sync.Mutex
	buffers    map[string]*jobBuffers
	thresholds Thresholds
}

// NewDetector creates a Detector using the default thresholds.
func NewDetector() *Detector {
	return &Detector{
		buffers:    make(map[string]*jobBuffers),
		thresholds: DefaultThresholds(),
	}
}

// WithThresholds overrides the detector's thresholds and returns the
// receiver for chaining.
func (d *Detector) WithThresholds(t Thresholds) *Detector {
	d.thresholds = t
	return d
}

// Clear drops all rolling state for jobID.
func (d *Detector) Clear(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, jobID)
}

// CheckAll runs every detection rule against sample in the context of
// jobID's accumulated history and returns zero or more anomalies, in a
// fixed order (loss, gradient, overfitting, OOM, memory leak).
func (d *Detector) CheckAll(jobID string, sample api.MetricsSample) []api.Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf, ok := d.buffers[jobID]
	if !ok {
		buf = &jobBuffers{}
		d.buffers[jobID] = buf
	}

	var anomalies []api.Anomaly
	if a := d.detectLossDivergence(buf, sample); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.detectGradientExplosion(buf, sample); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.detectOverfitting(buf, sample); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.detectOOM(sample); a != nil {
		anomalies = append(anomalies, *a)
	}
	if a := d.detectMemoryLeak(buf, sample); a != nil {
		anomalies = append(anomalies, *a)
	}

	d.record(buf, sample)
	return anomalies
}

func (d *Detector) record(buf *jobBuffers, sample api.MetricsSample) {
	buf.loss = append(buf.loss, sample.Loss)
	if sample.GradNorm != nil {
		buf.gradNorm = append(buf.gradNorm, *sample.GradNorm)
	}
	if util, ok := peakMemoryUtilization(sample); ok {
		buf.memUtil = append(buf.memUtil, util)
	}
	if sample.ValLoss != nil {
		buf.trainLoss = append(buf.trainLoss, sample.Loss)
		buf.valLoss = append(buf.valLoss, *sample.ValLoss)
	}
}

func detectedAt(sample api.MetricsSample) api.DetectedAt {
	return api.DetectedAt{Step: sample.Step, Timestamp: sample.Timestamp}
}

func lossDivergenceActions() []api.Action {
	return []api.Action{
		{Description: ActionReduceLearningRate, Automatic: true},
		{Description: ActionReloadLastCheckpoint, Automatic: true},
		{Description: ActionEnableGradientClipping, Automatic: true},
	}
}

func autoRecoverable(actions []api.Action) bool {
	for _, a := range actions {
		if a.Automatic {
			return true
		}
	}
	return false
}

// detectLossDivergence implements §4.B: a NaN/Inf loss is always
// CRITICAL; otherwise, with at least LossDivergenceWindow samples
// (current included), a loss more than LossDivergenceFactor times the
// minimum of the previous 4 is HIGH.
func (d *Detector) detectLossDivergence(buf *jobBuffers, sample api.MetricsSample) *api.Anomaly {
	if math.IsNaN(sample.Loss) || math.IsInf(sample.Loss, 0) {
		actions := lossDivergenceActions()
		return &api.Anomaly{
			Kind:             api.AnomalyLossDivergence,
			Severity:         api.SeverityCritical,
			Message:          fmt.Sprintf("loss is not finite at step %d", sample.Step),
			DetectedAt:       detectedAt(sample),
			SuggestedActions: actions,
			AutoRecoverable:  autoRecoverable(actions),
		}
	}

	window := d.thresholds.LossDivergenceWindow - 1
	if window < 1 {
		window = 1
	}
	if len(buf.loss) < window {
		return nil
	}
	prev := buf.loss[len(buf.loss)-window:]
	min := prev[0]
	for _, v := range prev[1:] {
		if v < min {
			min = v
		}
	}
	if min <= 0 {
		return nil
	}
	if sample.Loss > min*d.thresholds.LossDivergenceFactor {
		actions := lossDivergenceActions()
		return &api.Anomaly{
			Kind:     api.AnomalyLossDivergence,
			Severity: api.SeverityHigh,
			Message: fmt.Sprintf("loss %.4f exceeds %.1fx the recent minimum %.4f at step %d",
				sample.Loss, d.thresholds.LossDivergenceFactor, min, sample.Step),
			DetectedAt:       detectedAt(sample),
			SuggestedActions: actions,
			AutoRecoverable:  autoRecoverable(actions),
		}
	}
	return nil
}

// detectGradientExplosion implements §4.B's absolute and relative-spike
// gradient rules.
func (d *Detector) detectGradientExplosion(buf *jobBuffers, sample api.MetricsSample) *api.Anomaly {
	if sample.GradNorm == nil {
		return nil
	}
	grad := *sample.GradNorm

	if grad > d.thresholds.GradientExplosionAbsolute {
		actions := []api.Action{
			{Description: ActionReduceLearningRate, Automatic: true},
			{Description: ActionEnableGradientClipping, Automatic: true},
		}
		return &api.Anomaly{
			Kind:     api.AnomalyGradientExplosion,
			Severity: api.SeverityHigh,
			Message: fmt.Sprintf("gradient norm %.3f exceeds threshold %.1f at step %d",
				grad, d.thresholds.GradientExplosionAbsolute, sample.Step),
			DetectedAt:       detectedAt(sample),
			SuggestedActions: actions,
			AutoRecoverable:  autoRecoverable(actions),
		}
	}

	window := d.thresholds.GradientHistoryWindow
	if len(buf.gradNorm) < window {
		return nil
	}
	recent := buf.gradNorm[len(buf.gradNorm)-window:]
	var sum float64
	for _, v := range recent {
		sum += v
	}
	avg := sum / float64(window)
	if avg > 0 && grad >= avg*d.thresholds.GradientExplosionSpike {
		actions := []api.Action{
			{Description: ActionEnableGradientClipping, Automatic: true},
		}
		return &api.Anomaly{
			Kind:     api.AnomalyGradientExplosion,
			Severity: api.SeverityMedium,
			Message: fmt.Sprintf("gradient norm %.3f spiked to %.1fx the recent average %.3f at step %d",
				grad, d.thresholds.GradientExplosionSpike, avg, sample.Step),
			DetectedAt:       detectedAt(sample),
			SuggestedActions: actions,
			AutoRecoverable:  autoRecoverable(actions),
		}
	}
	return nil
}

// detectOverfitting implements §4.B: with at least OverfitMinPairs
// train/val pairs, a growing val/train gap alongside a decreasing train
// loss and increasing val loss is MEDIUM.
func (d *Detector) detectOverfitting(buf *jobBuffers, sample api.MetricsSample) *api.Anomaly {
	if sample.ValLoss == nil {
		return nil
	}
	train := append(append([]float64(nil), buf.trainLoss...), sample.Loss)
	val := append(append([]float64(nil), buf.valLoss...), *sample.ValLoss)
	if len(train) < d.thresholds.OverfitMinPairs {
		return nil
	}

	n := len(train)
	gap := val[n-1] - train[n-1]
	if gap <= d.thresholds.OverfitGap {
		return nil
	}

	trainDecreasing := isNonIncreasing(train[n-d.thresholds.OverfitMinPairs:])
	valIncreasing := isNonDecreasing(val[n-d.thresholds.OverfitMinPairs:])
	if !trainDecreasing || !valIncreasing {
		return nil
	}

	actions := []api.Action{
		{Description: "reduce model capacity or increase regularization", Automatic: false},
		{Description: "stop training before the gap widens further", Automatic: false},
	}
	return &api.Anomaly{
		Kind:     api.AnomalyOverfitting,
		Severity: api.SeverityMedium,
		Message: fmt.Sprintf("validation loss exceeds train loss by %.4f at step %d while train decreases and val increases",
			gap, sample.Step),
		DetectedAt:       detectedAt(sample),
		SuggestedActions: actions,
		AutoRecoverable:  autoRecoverable(actions),
	}
}

// detectOOM implements §4.B: any GPU at more than OOMUtilization of its
// memory is HIGH.
func (d *Detector) detectOOM(sample api.MetricsSample) *api.Anomaly {
	n := len(sample.GPUMemUsed)
	if len(sample.GPUMemTotal) < n {
		n = len(sample.GPUMemTotal)
	}
	for i := 0; i < n; i++ {
		if sample.GPUMemTotal[i] <= 0 {
			continue
		}
		util := sample.GPUMemUsed[i] / sample.GPUMemTotal[i]
		if util > d.thresholds.OOMUtilization {
			actions := []api.Action{
				{Description: ActionReduceBatchSize, Automatic: true},
				{Description: "enable gradient checkpointing", Automatic: false},
			}
			return &api.Anomaly{
				Kind:     api.AnomalyOOM,
				Severity: api.SeverityHigh,
				Message: fmt.Sprintf("GPU %d memory utilization %.1f%% exceeds %.0f%% at step %d",
					i, util*100, d.thresholds.OOMUtilization*100, sample.Step),
				DetectedAt:       detectedAt(sample),
				SuggestedActions: actions,
				AutoRecoverable:  autoRecoverable(actions),
			}
		}
	}
	return nil
}

// detectMemoryLeak implements §4.B: memory utilization strictly
// increasing across at least MemoryLeakMinIncreasing of the adjacent
// steps in the last MemoryLeakWindow samples is MEDIUM.
func (d *Detector) detectMemoryLeak(buf *jobBuffers, sample api.MetricsSample) *api.Anomaly {
	util, ok := peakMemoryUtilization(sample)
	if !ok {
		return nil
	}
	window := append(append([]float64(nil), buf.memUtil...), util)
	if len(window) > d.thresholds.MemoryLeakWindow {
		window = window[len(window)-d.thresholds.MemoryLeakWindow:]
	}
	if len(window) < d.thresholds.MemoryLeakWindow {
		return nil
	}

	increasing := 0
	for i := 1; i < len(window); i++ {
		if window[i] > window[i-1] {
			increasing++
		}
	}
	if increasing < d.thresholds.MemoryLeakMinIncreasing {
		return nil
	}

	actions := []api.Action{
		{Description: "inspect the training driver for unreleased tensors", Automatic: false},
		{Description: "restart the worker process", Automatic: false},
	}
	return &api.Anomaly{
		Kind:     api.AnomalyMemoryLeak,
		Severity: api.SeverityMedium,
		Message: fmt.Sprintf("GPU memory utilization increased across %d of the last %d steps at step %d",
			increasing, len(window)-1, sample.Step),
		DetectedAt:       detectedAt(sample),
		SuggestedActions: actions,
		AutoRecoverable:  autoRecoverable(actions),
	}
}

// peakMemoryUtilization returns the highest used/total ratio across a
// sample's GPUs, or false if the sample carries no usable memory data.
func peakMemoryUtilization(sample api.MetricsSample) (float64, bool) {
	n := len(sample.GPUMemUsed)
	if len(sample.GPUMemTotal) < n {
		n = len(sample.GPUMemTotal)
	}
	if n == 0 {
		return 0, false
	}
	max := -1.0
	for i := 0; i < n; i++ {
		if sample.GPUMemTotal[i] <= 0 {
			continue
		}
		util := sample.GPUMemUsed[i] / sample.GPUMemTotal[i]
		if util > max {
			max = util
		}
	}
	if max < 0 {
		return 0, false
	}
	return max, true
}

func isNonIncreasing(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] > xs[i-1] {
			return false
		}
	}
	return true
}

func isNonDecreasing(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] < xs[i-1] {
			return false
		}
	}
	return true
}
