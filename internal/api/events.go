package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/driftguard/internal/orchestrator"
)

const (
	eventsWriteWait = 10 * time.Second
	eventsPongWait  = 60 * time.Second
	eventsPingEvery = (eventsPongWait * 9) / 10
	eventsBuffer    = 32
)

func newEventsUpgrader(token string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     allowOrigin(token),
	}
}

// allowOrigin accepts any origin when a bearer token guards the endpoint.
// Without one only same-host and loopback origins may connect.
func allowOrigin(token string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if token != "" {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		host := u.Hostname()
		if strings.EqualFold(host, "localhost") {
			return true
		}
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
}

// handleEvents streams orchestrator notifications as JSON text frames. A
// client that falls more than eventsBuffer notifications behind is dropped.
func handleEvents(deps AppDeps) http.HandlerFunc {
	upgrader := newEventsUpgrader(deps.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Subscribe before the handshake completes so nothing emitted after
		// the client sees the upgrade is missed.
		out := make(chan orchestrator.Notification, eventsBuffer)
		unsubscribe := deps.Orchestrator.Subscribe(func(n orchestrator.Notification) {
			select {
			case out <- n:
			default:
				slog.Warn("event subscriber too slow, disconnecting")
				cancel()
			}
		})
		defer unsubscribe()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.SetReadDeadline(time.Now().Add(eventsPongWait)); err != nil {
			return
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})

		// The read loop only services control frames and notices disconnects.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(eventsPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-out:
				if err := conn.SetWriteDeadline(time.Now().Add(eventsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(n); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(eventsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
