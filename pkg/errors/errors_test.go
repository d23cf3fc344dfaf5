// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsRetryableByKind(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindValidation, false},
		{KindNotFound, false},
		{KindIllegalState, false},
		{KindConnectorTransient, true},
		{KindConnectorPermanent, false},
		{KindIntegrity, false},
		{KindTimeout, true},
	}
	for _, c := range cases {
		err := New(c.kind, "boom")
		assert.Equal(t, c.retryable, err.IsRetryable(), "kind=%s", c.kind)
	}
}

func TestErrorStringIncludesDetails(t *testing.T) {
	err := New(KindValidation, "bad field")
	assert.Equal(t, "[VALIDATION] bad field", err.Error())

	err.Details = "lora_r must be positive"
	assert.Equal(t, "[VALIDATION] bad field: lora_r must be positive", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindConnectorTransient, "submit failed", cause)
	require.ErrorIs(t, err, err)
	assert.Same(t, cause, err.Unwrap())
}

func TestIsMatchesOnKindNotMessage(t *testing.T) {
	a := New(KindNotFound, "job abc not found")
	b := New(KindNotFound, "checkpoint xyz not found")
	assert.True(t, errors.Is(a, b))

	c := New(KindIllegalState, "cannot pause")
	assert.False(t, errors.Is(a, c))
}

func TestClassifyPassesThroughStructuredError(t *testing.T) {
	original := New(KindIntegrity, "hash mismatch")
	got := Classify(original)
	assert.Same(t, original, got)
}

func TestClassifyContextErrors(t *testing.T) {
	got := Classify(context.Canceled)
	assert.Equal(t, KindTimeout, got.Kind)

	got = Classify(context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, got.Kind)
}

func TestClassifyNilIsNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, KindConnectorTransient, ClassifyHTTPStatus(429))
	assert.Equal(t, KindConnectorTransient, ClassifyHTTPStatus(503))
	assert.Equal(t, KindConnectorPermanent, ClassifyHTTPStatus(404))
	assert.Equal(t, KindUnknown, ClassifyHTTPStatus(200))
}

func TestWithActionsAndHelpLink(t *testing.T) {
	err := New(KindConnectorTransient, "oom").
		WithActions(
			Action{Description: "reduce batch size", Automatic: true},
			Action{Description: "enable gradient checkpointing", Automatic: true},
		).
		WithHelpLink("oom-recovery")

	require.Len(t, err.Actions, 2)
	assert.True(t, err.Actions[0].Automatic)
	assert.Equal(t, "oom-recovery", err.HelpLink)
}

func TestBuilders(t *testing.T) {
	assert.Equal(t, KindNotFound, NotFound("job", "abc").Kind)
	assert.Equal(t, KindIllegalState, IllegalState("pause", "COMPLETED").Kind)
	assert.Equal(t, KindValidation, Validation("lora_r", "must be > 0").Kind)
	assert.Equal(t, KindTimeout, Timeout("pause ack", 30*time.Second).Kind)
	assert.Equal(t, KindIntegrity, Integrity("artifact", "sha256 mismatch").Kind)
}
