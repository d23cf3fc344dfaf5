// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package streaming exposes the metrics pipeline and notification engine
// over SSE and WebSocket, for external dashboards that want a push feed
// instead of polling the orchestrator's status API.
package streaming

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Publisher supplies per-job metrics and notification subscriptions a
// streaming client can consume. Within this module only the
// mockPublisher in test_helpers.go implements it.
type Publisher interface {
	SubscribeMetrics(ctx context.Context, jobID string) (<-chan any, error)
	SubscribeNotifications(ctx context.Context, jobID string) (<-chan any, error)
}

// StreamType represents the type of stream a client can request.
type StreamType string

const (
	StreamTypeMetrics       StreamType = "metrics"
	StreamTypeNotifications StreamType = "notifications"
)

// WebSocketServer provides a WebSocket interface onto a Publisher.
type WebSocketServer struct {
	publisher Publisher
	upgrader  websocket.Upgrader
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(publisher Publisher) *WebSocketServer {
	return &WebSocketServer{
		publisher: publisher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// StreamMessage represents a message sent over WebSocket.
type StreamMessage struct {
	Type      string      `json:"type"`
	Stream    StreamType  `json:"stream"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

// StreamRequest represents a client request to start streaming a job's
// metrics or notifications.
type StreamRequest struct {
	Stream StreamType `json:"stream"`
	JobID  string     `json:"job_id"`
}

// HandleWebSocket handles WebSocket connections.
func (ws *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("WebSocket close error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go ws.handleIncomingMessages(ctx, conn, cancel)
	ws.keepAlive(ctx, conn)
}

// handleIncomingMessages processes stream requests from the client.
func (ws *WebSocketServer) handleIncomingMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			var req StreamRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("WebSocket error: %v", err)
				}
				return
			}

			go ws.handleStreamRequest(ctx, conn, req)
		}
	}
}

// handleStreamRequest starts the appropriate stream.
func (ws *WebSocketServer) handleStreamRequest(ctx context.Context, conn *websocket.Conn, req StreamRequest) {
	if req.JobID == "" {
		ws.sendError(conn, "job_id is required")
		return
	}

	switch req.Stream {
	case StreamTypeMetrics:
		ws.streamMetrics(ctx, conn, req.JobID)
	case StreamTypeNotifications:
		ws.streamNotifications(ctx, conn, req.JobID)
	default:
		ws.sendError(conn, "unknown stream type: "+string(req.Stream))
	}
}

func (ws *WebSocketServer) streamMetrics(ctx context.Context, conn *websocket.Conn, jobID string) {
	events, err := ws.publisher.SubscribeMetrics(ctx, jobID)
	if err != nil {
		ws.sendError(conn, "failed to subscribe to metrics: "+err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-events:
			if !ok {
				ws.sendMessage(conn, StreamMessage{Type: "stream_closed", Stream: StreamTypeMetrics, Timestamp: time.Now()})
				return
			}
			ws.sendMessage(conn, StreamMessage{Type: "event", Stream: StreamTypeMetrics, Data: sample, Timestamp: time.Now()})
		}
	}
}

func (ws *WebSocketServer) streamNotifications(ctx context.Context, conn *websocket.Conn, jobID string) {
	events, err := ws.publisher.SubscribeNotifications(ctx, jobID)
	if err != nil {
		ws.sendError(conn, "failed to subscribe to notifications: "+err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-events:
			if !ok {
				ws.sendMessage(conn, StreamMessage{Type: "stream_closed", Stream: StreamTypeNotifications, Timestamp: time.Now()})
				return
			}
			ws.sendMessage(conn, StreamMessage{Type: "event", Stream: StreamTypeNotifications, Data: notification, Timestamp: time.Now()})
		}
	}
}

func (ws *WebSocketServer) sendMessage(conn *websocket.Conn, msg StreamMessage) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("WebSocket write error: %v", err)
	}
}

func (ws *WebSocketServer) sendError(conn *websocket.Conn, message string) {
	ws.sendMessage(conn, StreamMessage{Type: "error", Error: message, Timestamp: time.Now()})
}

// keepAlive maintains the WebSocket connection with periodic pings.
func (ws *WebSocketServer) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("WebSocket ping error: %v", err)
				return
			}
		}
	}
}
