// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint persists and restores full training state (model,
// optimizer, scheduler, metrics, config) under a per-job directory tree,
// with retention-based garbage collection.
package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/pkg/errors"
)

const (
	blobFileName     = "blob"
	metadataFileName = "metadata.json"
)

// metadata is the on-disk shape of metadata.json: every Checkpoint field
// except the raw state blobs, which live in the sibling blob file.
type metadata struct {
	Step           int                   `json:"step"`
	Epoch          float64               `json:"epoch"`
	Loss           float64               `json:"loss"`
	LearningRate   float64               `json:"learning_rate"`
	RecentMetrics  []api.MetricsSample   `json:"recent_metrics"`
	ConfigSnapshot api.Config            `json:"config_snapshot"`
	Timestamp      string                `json:"timestamp"`
	Reason         api.CheckpointReason  `json:"reason"`
}

// Store persists checkpoints under <root>/<job_id>/checkpoint-<step>/.
// It is the only writer for a job's subtree; per-job write
// serialization (so two writes never target the same step
// concurrently) is the caller's responsibility (internal/jobmachine
// holds one owner goroutine per job).
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore creates a Store rooted at root. The directory is created
// lazily on first write.
func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) jobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) checkpointDir(jobID string, step int) string {
	return filepath.Join(s.jobDir(jobID), fmt.Sprintf("checkpoint-%d", step))
}

// Write persists ckpt atomically: it builds the checkpoint under a
// temporary directory, writes the blob then the metadata file, then
// renames the temporary directory into place in one filesystem
// operation so a reader never observes a metadata file without its
// blob. On success it runs retention GC, deleting the oldest
// checkpoints beyond saveTotalLimit (a limit of 0 or less disables GC).
func (s *Store) Write(ctx context.Context, jobID string, ckpt api.Checkpoint, saveTotalLimit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobDir := s.jobDir(jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return errors.Wrap(errors.KindUnknown, "create job checkpoint directory", err)
	}

	tmpDir := filepath.Join(jobDir, fmt.Sprintf("tmp-%d", ckpt.Step))
	if err := os.RemoveAll(tmpDir); err != nil {
		return errors.Wrap(errors.KindUnknown, "clear stale temp checkpoint directory", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return errors.Wrap(errors.KindUnknown, "create temp checkpoint directory", err)
	}

	if err := writeBlob(filepath.Join(tmpDir, blobFileName), ckpt); err != nil {
		os.RemoveAll(tmpDir)
		return err
	}
	if err := writeMetadata(filepath.Join(tmpDir, metadataFileName), ckpt); err != nil {
		os.RemoveAll(tmpDir)
		return err
	}

	finalDir := s.checkpointDir(jobID, ckpt.Step)
	os.RemoveAll(finalDir)
	if err := os.Rename(tmpDir, finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return errors.Wrap(errors.KindUnknown, "finalize checkpoint directory", err)
	}

	return s.garbageCollect(jobID, saveTotalLimit)
}

func writeBlob(path string, ckpt api.Checkpoint) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(errors.KindUnknown, "create checkpoint blob", err)
	}
	defer f.Close()

	for _, part := range [][]byte{ckpt.ModelState, ckpt.OptimizerState, ckpt.SchedulerState} {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
		if _, err := f.Write(lenBuf[:]); err != nil {
			return errors.Wrap(errors.KindUnknown, "write checkpoint blob length", err)
		}
		if _, err := f.Write(part); err != nil {
			return errors.Wrap(errors.KindUnknown, "write checkpoint blob", err)
		}
	}
	return nil
}

func writeMetadata(path string, ckpt api.Checkpoint) error {
	md := metadata{
		Step:           ckpt.Step,
		Epoch:          ckpt.Epoch,
		Loss:           ckpt.Loss,
		LearningRate:   ckpt.LearningRate,
		RecentMetrics:  ckpt.RecentMetrics,
		ConfigSnapshot: ckpt.ConfigSnapshot,
		Timestamp:      ckpt.Timestamp.Format(timeLayout),
		Reason:         ckpt.Reason,
	}
	raw, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return errors.Wrap(errors.KindUnknown, "encode checkpoint metadata", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrap(errors.KindUnknown, "write checkpoint metadata", err)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Read returns the checkpoint recorded at step for jobID. A missing
// metadata or blob file surfaces a typed NotFound/Integrity error
// rather than a zero-value substitution.
func (s *Store) Read(ctx context.Context, jobID string, step int) (api.Checkpoint, error) {
	dir := s.checkpointDir(jobID, step)

	mdRaw, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return api.Checkpoint{}, errors.NotFound("checkpoint", fmt.Sprintf("%s/step-%d", jobID, step))
		}
		return api.Checkpoint{}, errors.Wrap(errors.KindUnknown, "read checkpoint metadata", err)
	}
	var md metadata
	if err := json.Unmarshal(mdRaw, &md); err != nil {
		return api.Checkpoint{}, errors.Integrity("checkpoint metadata", err.Error())
	}

	blobRaw, err := os.ReadFile(filepath.Join(dir, blobFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return api.Checkpoint{}, errors.Integrity("checkpoint blob", "metadata present but blob missing")
		}
		return api.Checkpoint{}, errors.Wrap(errors.KindUnknown, "read checkpoint blob", err)
	}
	model, optimizer, scheduler, err := splitBlob(blobRaw)
	if err != nil {
		return api.Checkpoint{}, err
	}

	ts, err := parseTimestamp(md.Timestamp)
	if err != nil {
		return api.Checkpoint{}, errors.Integrity("checkpoint metadata", "invalid timestamp: "+err.Error())
	}

	return api.Checkpoint{
		Step:           md.Step,
		Epoch:          md.Epoch,
		Loss:           md.Loss,
		LearningRate:   md.LearningRate,
		ModelState:     model,
		OptimizerState: optimizer,
		SchedulerState: scheduler,
		RecentMetrics:  md.RecentMetrics,
		ConfigSnapshot: md.ConfigSnapshot,
		Timestamp:      ts,
		Reason:         md.Reason,
	}, nil
}

func splitBlob(raw []byte) (model, optimizer, scheduler []byte, err error) {
	parts := make([][]byte, 0, 3)
	pos := 0
	for i := 0; i < 3; i++ {
		if pos+8 > len(raw) {
			return nil, nil, nil, errors.Integrity("checkpoint blob", "truncated length prefix")
		}
		n := binary.BigEndian.Uint64(raw[pos : pos+8])
		pos += 8
		if pos+int(n) > len(raw) {
			return nil, nil, nil, errors.Integrity("checkpoint blob", "truncated payload")
		}
		parts = append(parts, raw[pos:pos+int(n)])
		pos += int(n)
	}
	return parts[0], parts[1], parts[2], nil
}

// LatestStep returns the highest checkpoint step persisted for jobID.
// It is used by the resume and anomaly-recovery paths to find the
// checkpoint to reload.
func (s *Store) LatestStep(jobID string) (int, error) {
	steps, err := s.steps(jobID)
	if err != nil {
		return 0, err
	}
	if len(steps) == 0 {
		return 0, errors.NotFound("checkpoint", jobID)
	}
	return steps[len(steps)-1], nil
}

func (s *Store) steps(jobID string) ([]int, error) {
	entries, err := os.ReadDir(s.jobDir(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.KindUnknown, "list checkpoint directory", err)
	}

	var steps []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !strings.HasPrefix(e.Name(), "checkpoint-") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "checkpoint-"))
		if err != nil {
			continue
		}
		steps = append(steps, n)
	}
	sort.Ints(steps)
	return steps, nil
}

// garbageCollect deletes the oldest checkpoints for jobID until at most
// saveTotalLimit remain. Callers hold s.mu.
func (s *Store) garbageCollect(jobID string, saveTotalLimit int) error {
	if saveTotalLimit <= 0 {
		return nil
	}
	steps, err := s.steps(jobID)
	if err != nil {
		return err
	}
	excess := len(steps) - saveTotalLimit
	for i := 0; i < excess; i++ {
		if err := os.RemoveAll(s.checkpointDir(jobID, steps[i])); err != nil {
			return errors.Wrap(errors.KindUnknown, "garbage collect checkpoint", err)
		}
	}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
