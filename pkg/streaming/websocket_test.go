// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebSocketServer(t *testing.T) {
	publisher := &mockPublisher{}
	server := NewWebSocketServer(publisher)

	require.NotNil(t, server)
	assert.Equal(t, publisher, server.publisher)
}

func dialWebSocket(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestHandleWebSocket_MetricsStream(t *testing.T) {
	samples := make(chan any, 1)
	samples <- map[string]any{"step": 1, "loss": 1.9}

	publisher := &mockPublisher{
		metricsFunc: func(ctx context.Context, jobID string) (<-chan any, error) {
			assert.Equal(t, "job-1", jobID)
			return samples, nil
		},
	}
	server := NewWebSocketServer(publisher)

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer ts.Close()

	conn := dialWebSocket(t, ts)
	defer conn.Close()

	err := conn.WriteJSON(StreamRequest{Stream: StreamTypeMetrics, JobID: "job-1"})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, StreamTypeMetrics, msg.Stream)
}

func TestHandleWebSocket_MissingJobID(t *testing.T) {
	server := NewWebSocketServer(&mockPublisher{})

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer ts.Close()

	conn := dialWebSocket(t, ts)
	defer conn.Close()

	err := conn.WriteJSON(StreamRequest{Stream: StreamTypeMetrics})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "job_id is required")
}

func TestHandleWebSocket_UnknownStreamType(t *testing.T) {
	server := NewWebSocketServer(&mockPublisher{})

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer ts.Close()

	conn := dialWebSocket(t, ts)
	defer conn.Close()

	err := conn.WriteJSON(StreamRequest{Stream: "bogus", JobID: "job-1"})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "unknown stream type")
}
