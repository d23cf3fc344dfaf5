// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package notification_test

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/internal/notification"
)

func TestMilestonesFireOnceEach(t *testing.T) {
	e := notification.NewEngine(nil)
	var fired []int

	steps := []struct{ prev, cur int }{
		{0, 200}, {200, 400}, {400, 600}, {600, 800}, {800, 1000},
	}
	for _, s := range steps {
		n, delivered := e.CheckProgress("job-1", s.prev, s.cur, 1000)
		if n != nil && delivered {
			require.NotNil(t, n.Milestone)
			fired = append(fired, *n.Milestone)
		}
	}
	assert.Equal(t, []int{25, 50, 75, 100}, fired)
}

func TestMilestoneBodyContainsLiteral(t *testing.T) {
	e := notification.NewEngine(nil)
	n, delivered := e.CheckProgress("job-2", 0, 250, 1000)
	require.NotNil(t, n)
	require.True(t, delivered)
	assert.Contains(t, n.Body, strconv.Itoa(25))
	assert.Equal(t, api.NotificationProgress, n.Type)
}

func TestCompletionBodyContainsCompletionWord(t *testing.T) {
	e := notification.NewEngine(nil)
	n, delivered := e.CheckProgress("job-3", 900, 1000, 1000)
	require.NotNil(t, n)
	require.True(t, delivered)
	assert.Equal(t, api.NotificationCompletion, n.Type)
	assert.True(t, n.Sound)
	body := strings.ToLower(n.Body)
	found := false
	for _, word := range []string{"complete", "finished", "done", "100"} {
		if strings.Contains(body, word) {
			found = true
		}
	}
	assert.True(t, found, "completion body %q must contain one of complete/finished/done/100", n.Body)
}

func TestDNDSuppressesButStillMarksSent(t *testing.T) {
	e := notification.NewEngine(func() bool { return true })
	n, delivered := e.CheckProgress("job-4", 0, 250, 1000)
	require.NotNil(t, n)
	assert.False(t, delivered)

	// Re-crossing the same milestone must not fire again, DND or not.
	n2, _ := e.CheckProgress("job-4", 250, 260, 1000)
	assert.Nil(t, n2)
}

func TestErrorAlwaysIgnoresDND(t *testing.T) {
	e := notification.NewEngine(func() bool { return true })
	n := e.CreateError("job-5", "cuda_error", "device-side assert triggered")
	assert.False(t, n.RespectDND)
	assert.Equal(t, api.UrgencyCritical, n.Urgency)

	n2 := e.CreateError("job-5", "something_else", "unexpected provider rejection")
	assert.Equal(t, api.UrgencyHigh, n2.Urgency)
}

func TestTaskbarProgressClamped(t *testing.T) {
	e := notification.NewEngine(nil)
	n, _ := e.CheckProgress("job-6", 0, 10000, 1000)
	require.NotNil(t, n)
	require.NotNil(t, n.TaskbarProgress)
	assert.Equal(t, 1.0, *n.TaskbarProgress)
}
