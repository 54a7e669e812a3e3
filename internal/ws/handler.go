// Package ws streams a session over a WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterje/pulsar/internal/session"
)

// pollInterval bounds each wait for output so the writer notices a closed
// peer even on an idle session.
const pollInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type resizeMsg struct {
	Type string `json:"type"`
	Data struct {
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`
	} `json:"data"`
}

// Handler serves GET /ws/session/{id}. Output goes to the peer as binary
// messages; binary messages from the peer are input and text messages are
// control (resize).
type Handler struct {
	registry *session.Registry
	logger   *zap.Logger
}

func NewHandler(registry *session.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, logger: logger.Named("ws")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	sess, err := h.registry.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := "ws-" + uuid.NewString()
	logger := h.logger.With(zap.String("session_id", sessionID), zap.String("client_id", clientID))
	if err := sess.Attach(clientID); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
		return
	}
	defer sess.Detach(clientID)
	logger.Info("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	var writeMu sync.Mutex
	done := make(chan struct{})

	// Session output -> WebSocket. The attach above put the cursor at the
	// oldest retained byte, so the first drain is the scrollback.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			data, err := sess.Receive(ctx, clientID, pollInterval)
			if err != nil || ctx.Err() != nil {
				return
			}
			if len(data) == 0 {
				select {
				case <-sess.Done():
					return
				default:
					continue
				}
			}
			writeMu.Lock()
			err = conn.WriteMessage(websocket.BinaryMessage, data)
			writeMu.Unlock()
			if err != nil {
				logger.Debug("write to client failed", zap.Error(err))
				return
			}
		}
	}()

	// WebSocket -> session (binary = input, text = control)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Debug("read from client failed", zap.Error(err))
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if _, err := sess.Write(ctx, msg); err != nil {
					if errors.Is(err, session.ErrSessionTerminated) {
						return
					}
					logger.Warn("input failed", zap.Error(err))
				}
			case websocket.TextMessage:
				var resize resizeMsg
				if json.Unmarshal(msg, &resize) == nil && resize.Type == "resize" {
					if err := sess.Resize(resize.Data.Rows, resize.Data.Cols); err != nil {
						logger.Debug("resize failed", zap.Error(err))
					}
				}
			}
		}
	}()

	select {
	case <-done:
		logger.Info("client disconnected")
	case <-sess.Done():
		logger.Info("session ended")
		writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
		writeMu.Unlock()
	}
	cancel()
	// Unblock the reader if the peer never answers the close frame.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	wg.Wait()
}
