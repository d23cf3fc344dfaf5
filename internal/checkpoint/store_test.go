// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/internal/checkpoint"
	"github.com/peftkit/orchestrator/pkg/errors"
)

func sampleCheckpoint(step int) api.Checkpoint {
	return api.Checkpoint{
		Step:           step,
		Epoch:          float64(step) / 100,
		Loss:           1.0,
		LearningRate:   0.0002,
		ModelState:     []byte("model-state"),
		OptimizerState: []byte("optimizer-state"),
		SchedulerState: []byte("scheduler-state"),
		RecentMetrics:  []api.MetricsSample{{Step: step, Loss: 1.0}},
		ConfigSnapshot: api.Config{BaseModel: "test-model"},
		Timestamp:      time.Now().UTC(),
		Reason:         api.CheckpointScheduled,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.NewStore(dir)
	ctx := context.Background()

	ckpt := sampleCheckpoint(100)
	require.NoError(t, store.Write(ctx, "job-1", ckpt, 0))

	got, err := store.Read(ctx, "job-1", 100)
	require.NoError(t, err)

	assert.Equal(t, ckpt.ModelState, got.ModelState)
	assert.Equal(t, ckpt.OptimizerState, got.OptimizerState)
	assert.Equal(t, ckpt.SchedulerState, got.SchedulerState)
	assert.Equal(t, ckpt.Step, got.Step)
	assert.Equal(t, ckpt.Loss, got.Loss)
	assert.Equal(t, ckpt.ConfigSnapshot, got.ConfigSnapshot)
	assert.Equal(t, ckpt.Reason, got.Reason)
	assert.WithinDuration(t, ckpt.Timestamp, got.Timestamp, time.Millisecond)
}

func TestReadMissingIsNotFound(t *testing.T) {
	store := checkpoint.NewStore(t.TempDir())
	_, err := store.Read(context.Background(), "job-missing", 5)
	require.Error(t, err)
	var structured *errors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, errors.KindNotFound, structured.Kind)
}

func TestRetentionGC(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.NewStore(dir)
	ctx := context.Background()

	for _, step := range []int{100, 200, 300, 400} {
		require.NoError(t, store.Write(ctx, "job-2", sampleCheckpoint(step), 2))
	}

	_, err := store.Read(ctx, "job-2", 100)
	assert.Error(t, err, "oldest checkpoint should have been garbage collected")
	_, err = store.Read(ctx, "job-2", 200)
	assert.Error(t, err, "second oldest checkpoint should have been garbage collected")

	got300, err := store.Read(ctx, "job-2", 300)
	require.NoError(t, err)
	assert.Equal(t, 300, got300.Step)
	got400, err := store.Read(ctx, "job-2", 400)
	require.NoError(t, err)
	assert.Equal(t, 400, got400.Step)

	latest, err := store.LatestStep("job-2")
	require.NoError(t, err)
	assert.Equal(t, 400, latest)
}

func TestLatestStepNotFoundForUnknownJob(t *testing.T) {
	store := checkpoint.NewStore(t.TempDir())
	_, err := store.LatestStep("never-written")
	require.Error(t, err)
}
