package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"segmentation-gateway/internal/dto"
	"segmentation-gateway/internal/models"
)

const (
	// requestReadTimeout bounds the wait for the propagate request
	requestReadTimeout = 30 * time.Second
	maxClientMessage   = 64 << 10
	closeWriteTimeout  = time.Second
)

// clientMessage is any client message after the propagate request
type clientMessage struct {
	Type string `json:"type"`
}

// WebSocketSink writes stream messages to a WebSocket connection. Each write
// gets its own deadline so a stalled consumer fails the send instead of
// blocking the engine indefinitely.
type WebSocketSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewWebSocketSink wraps conn. A zero writeTimeout disables write deadlines.
func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

// Send writes one message
func (s *WebSocketSink) Send(ctx context.Context, msg models.StreamMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// a zero deadline also clears the one inherited from the HTTP server
	var deadline time.Time
	if s.writeTimeout > 0 {
		deadline = time.Now().Add(s.writeTimeout)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// closeNormal sends a close frame; errors are irrelevant at this point
func (s *WebSocketSink) closeNormal(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
}

func (handler *Handler) upgrader() *websocket.Upgrader {
	origins := handler.config.CORSOrigins
	return &websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
}

// StreamPropagation upgrades to a WebSocket and streams propagation frames.
// The first client message is the propagate request. A later
// {"type":"cancel"} message or a disconnect stops the run.
func (handler *Handler) StreamPropagation(w http.ResponseWriter, r *http.Request) {
	videos, err := handler.videoService()
	if err != nil {
		handler.respondErr(w, r, err)
		return
	}
	id := r.PathValue("id")
	if _, err := handler.deps.Registry.Get(id); err != nil {
		handler.respondErr(w, r, err)
		return
	}

	conn, err := handler.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		slog.Debug("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxClientMessage)

	handler.activeStreams.Add(1)
	handler.totalStreams.Add(1)
	defer handler.activeStreams.Add(-1)

	logger := slog.With("session_id", id, "request_id", RequestIDFrom(r.Context()))
	sink := NewWebSocketSink(conn, handler.config.StreamWriteTimeout)

	var req dto.PropagateRequest
	conn.SetReadDeadline(time.Now().Add(requestReadTimeout))
	if err := conn.ReadJSON(&req); err != nil {
		logger.Debug("no propagate request received", "error", err)
		_ = sink.Send(r.Context(), models.ErrorMessage("expected a propagate request"))
		sink.closeNormal("bad request")
		return
	}
	conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg clientMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == "cancel" {
				logger.Info("stream cancelled by client")
				return
			}
		}
	}()

	result, err := videos.Stream(ctx, id, req.Model(), sink)
	if err != nil {
		_ = sink.Send(ctx, models.ErrorMessage(classify(err).message))
		logger.Info("stream rejected", "error", err)
	} else {
		logger.Info("stream finished",
			"outcome", result.Outcome,
			"frames", result.FramesDelivered,
			"duration", result.Duration.Round(time.Millisecond),
		)
	}

	sink.closeNormal("")
	conn.Close()
	<-readerDone
}
