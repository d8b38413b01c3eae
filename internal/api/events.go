package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/terra-clan/cert-engine/internal/models"
)

const eventWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// EventMessage is a frame on the certificate event stream
type EventMessage struct {
	Type        string                     `json:"type"`
	Certificate *models.CertificateRequest `json:"certificate,omitempty"`
	Event       *models.CertificateEvent   `json:"event,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// handleCertificateEvents streams status changes of one certificate request until it
// reaches a terminal status or the client goes away. Notifications are backed by a
// periodic re-read so a missed NOTIFY only delays an update.
func (s *Server) handleCertificateEvents(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	caller := IdentityFromContext(r.Context())

	cert, err := s.deps.Ledger.Get(r.Context(), requestID, caller)
	if err != nil {
		respondServiceError(w, r, "failed to get certificate", err)
		return
	}

	up := upgrader
	up.CheckOrigin = s.checkOrigin
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	slog.Info("certificate event stream connected", "request_id", requestID, "identity_id", caller.ID)

	var notifications <-chan models.CertificateEvent
	if s.deps.Hub != nil {
		ch, unsubscribe := s.deps.Hub.Subscribe(requestID)
		defer unsubscribe()
		notifications = ch
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Read side only detects the client closing
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	if err := s.sendEvent(conn, EventMessage{Type: "snapshot", Certificate: cert}); err != nil {
		return
	}
	last := cert.Status

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for !last.IsTerminal() {
		select {
		case <-ctx.Done():
			slog.Info("certificate event stream disconnected", "request_id", requestID)
			return

		case ev, ok := <-notifications:
			if !ok {
				return
			}
			if err := s.sendEvent(conn, EventMessage{Type: "status", Event: &ev}); err != nil {
				return
			}
			last = ev.Status

		case <-ticker.C:
			current, err := s.deps.Repo.GetCertificateRequest(ctx, requestID)
			if err != nil || current == nil {
				slog.Warn("failed to re-read certificate", "request_id", requestID, "error", err)
				continue
			}
			if current.Status == last {
				continue
			}
			if err := s.sendEvent(conn, EventMessage{Type: "snapshot", Certificate: current}); err != nil {
				return
			}
			last = current.Status
		}
	}

	conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(last)))
	slog.Info("certificate event stream finished", "request_id", requestID, "status", last)
}

func (s *Server) sendEvent(conn *websocket.Conn, msg EventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal event message", "error", err)
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		slog.Debug("failed to send event message", "error", err)
		return err
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
