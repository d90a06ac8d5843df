package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"pulseline/internal/engine"
	"pulseline/internal/hub"
)

const wsWriteTimeout = 10 * time.Second

// isPing accepts both the JSON frame {"type":"ping"} and a bare "ping".
func isPing(msg []byte) bool {
	if string(bytes.TrimSpace(msg)) == "ping" {
		return true
	}
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return false
	}
	return frame.Type == "ping"
}

// wsSubscriber adapts a websocket connection to the hub. The mutex serializes
// writes between the broadcaster and the ping responder.
type wsSubscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSubscriber) Send(ctx context.Context, env hub.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(env)
}

// registerStreams mounts the websocket endpoints directly on the router since
// huma does not model upgraded connections. The auth middleware has already
// attached the principal by the time these handlers run.
func registerStreams(r chi.Router, basePath string, e engine.Engine) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	serve := func(w http.ResponseWriter, req *http.Request, orgID string, global bool) {
		p, ok := principalFromContext(req.Context())
		if !ok || p.ActorID == "" {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		if global {
			if !p.Admin() {
				respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "admin role required", nil))
				return
			}
		} else if !p.Admin() && p.OrgID != orgID {
			respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "access to org "+orgID+" denied", map[string]any{"org_id": orgID}))
			return
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		sub := &wsSubscriber{conn: conn}
		var subscription *hub.Subscription
		if global {
			subscription = e.Hub.SubscribeGlobal(sub)
		} else {
			subscription = e.Hub.Subscribe(orgID, sub)
		}
		defer func() {
			e.Hub.Unsubscribe(subscription)
			conn.Close()
		}()

		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage || !isPing(msg) {
				continue
			}
			env := hub.Envelope{
				Type:      hub.TypePong,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			if err := sub.Send(req.Context(), env); err != nil {
				return
			}
		}
	}

	r.Get(basePath+"/orgs/{org_id}/stream", func(w http.ResponseWriter, req *http.Request) {
		serve(w, req, chi.URLParam(req, "org_id"), false)
	})
	r.Get(basePath+"/stream", func(w http.ResponseWriter, req *http.Request) {
		serve(w, req, "", true)
	})
}
