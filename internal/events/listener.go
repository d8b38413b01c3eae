package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/terra-clan/cert-engine/internal/models"
)

// Channel is the Postgres NOTIFY channel written by the certificate status trigger
const Channel = "certificate_events"

// Listener relays Postgres notifications on Channel into a Hub
type Listener struct {
	listener *pq.Listener
	hub      *Hub
}

// NewListener opens a dedicated LISTEN connection to dsn
func NewListener(dsn string, hub *Hub) (*Listener, error) {
	l := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			slog.Warn("certificate event listener connection problem", "event", ev, "error", err)
		case pq.ListenerEventReconnected:
			slog.Info("certificate event listener reconnected")
		}
	})

	if err := l.Listen(Channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}

	return &Listener{listener: l, hub: hub}, nil
}

// Start relays notifications until ctx is done
func (l *Listener) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *Listener) run(ctx context.Context) {
	slog.Info("certificate event listener started", "channel", Channel)
	defer l.listener.Close()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("certificate event listener stopped")
			return
		case n := <-l.listener.Notify:
			// nil after a reconnect; events in the gap are covered by subscriber re-polls
			if n == nil {
				continue
			}
			ev, err := decode(n.Extra)
			if err != nil {
				slog.Warn("dropping malformed certificate event", "payload", n.Extra, "error", err)
				continue
			}
			l.hub.Publish(ev)
		case <-ping.C:
			if err := l.listener.Ping(); err != nil {
				slog.Warn("certificate event listener ping failed", "error", err)
			}
		}
	}
}

func decode(payload string) (models.CertificateEvent, error) {
	var ev models.CertificateEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, err
	}
	if ev.RequestID == "" {
		return ev, fmt.Errorf("missing request id")
	}
	return ev, nil
}
