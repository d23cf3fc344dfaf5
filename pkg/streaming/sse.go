// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SSEServer provides a Server-Sent Events interface onto a Publisher.
// This wraps the same per-job subscription functions the WebSocket
// server uses.
type SSEServer struct {
	publisher Publisher
}

// NewSSEServer creates a new Server-Sent Events server.
func NewSSEServer(publisher Publisher) *SSEServer {
	return &SSEServer{publisher: publisher}
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	ID    string      `json:"id,omitempty"`
	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data"`
	Retry int         `json:"retry,omitempty"`
}

// HandleSSE handles Server-Sent Events connections. The request must
// carry ?stream=metrics|notifications&job_id=<id>.
func (sse *SSEServer) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")

	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	streamType := r.URL.Query().Get("stream")
	jobID := r.URL.Query().Get("job_id")
	if streamType == "" || jobID == "" {
		sse.writeSSEEvent(w, flusher, SSEEvent{
			Event: "error",
			Data:  map[string]string{"error": "stream and job_id parameters are required"},
		})
		return
	}

	switch StreamType(streamType) {
	case StreamTypeMetrics:
		sse.streamMetricsSSE(ctx, w, flusher, jobID)
	case StreamTypeNotifications:
		sse.streamNotificationsSSE(ctx, w, flusher, jobID)
	default:
		sse.writeSSEEvent(w, flusher, SSEEvent{
			Event: "error",
			Data:  map[string]string{"error": "unknown stream type: " + streamType},
		})
	}
}

func (sse *SSEServer) streamMetricsSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, jobID string) {
	events, err := sse.publisher.SubscribeMetrics(ctx, jobID)
	if err != nil {
		sse.writeSSEEvent(w, flusher, SSEEvent{
			Event: "error",
			Data:  map[string]string{"error": "failed to subscribe to metrics: " + err.Error()},
		})
		return
	}

	sse.writeSSEEvent(w, flusher, SSEEvent{Event: "connected", Data: map[string]string{"stream": "metrics", "job_id": jobID}})

	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-events:
			if !ok {
				sse.writeSSEEvent(w, flusher, SSEEvent{Event: "stream_closed", Data: map[string]string{"stream": "metrics"}})
				return
			}
			sse.writeSSEEvent(w, flusher, SSEEvent{
				ID:    fmt.Sprintf("metrics-%d", time.Now().UnixNano()),
				Event: "metrics_sample",
				Data:  sample,
			})
		}
	}
}

func (sse *SSEServer) streamNotificationsSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, jobID string) {
	events, err := sse.publisher.SubscribeNotifications(ctx, jobID)
	if err != nil {
		sse.writeSSEEvent(w, flusher, SSEEvent{
			Event: "error",
			Data:  map[string]string{"error": "failed to subscribe to notifications: " + err.Error()},
		})
		return
	}

	sse.writeSSEEvent(w, flusher, SSEEvent{Event: "connected", Data: map[string]string{"stream": "notifications", "job_id": jobID}})

	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-events:
			if !ok {
				sse.writeSSEEvent(w, flusher, SSEEvent{Event: "stream_closed", Data: map[string]string{"stream": "notifications"}})
				return
			}
			sse.writeSSEEvent(w, flusher, SSEEvent{
				ID:    fmt.Sprintf("notification-%d", time.Now().UnixNano()),
				Event: "notification",
				Data:  notification,
			})
		}
	}
}

// writeSSEEvent writes an SSE event to the response.
func (sse *SSEServer) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event SSEEvent) {
	if event.ID != "" {
		fmt.Fprintf(w, "id: %s\n", event.ID)
	}
	if event.Event != "" {
		fmt.Fprintf(w, "event: %s\n", event.Event)
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		fmt.Fprintf(w, "data: {\"error\": \"failed to marshal data\"}\n")
	} else {
		fmt.Fprintf(w, "data: %s\n", string(data))
	}

	if event.Retry > 0 {
		fmt.Fprintf(w, "retry: %d\n", event.Retry)
	}

	fmt.Fprintf(w, "\n")
	flusher.Flush()
}
