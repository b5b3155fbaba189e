package websocket

import (
	"net/http"

	gorillaws "github.com/gorilla/websocket"

	"meritkit/core"
	"meritkit/realtime"
)

// Handler returns an http.Handler that upgrades to WebSocket and streams
// reward outcomes from the hub. A ?user= query parameter scopes the stream
// to one user's outcomes.
func Handler(hub *realtime.Hub) http.Handler {
	upgrader := gorillaws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := core.UserID(r.URL.Query().Get("user"))
		if user != "" {
			normalized, err := core.NormalizeUserID(user)
			if err != nil {
				http.Error(w, "invalid user id", http.StatusBadRequest)
				return
			}
			user = normalized
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		id, ch := hub.Subscribe(256, user)
		defer hub.Unsubscribe(id)

		for entry := range ch {
			if err := conn.WriteMessage(gorillaws.TextMessage, realtime.MarshalJSON(entry)); err != nil {
				return
			}
		}
	})
}
