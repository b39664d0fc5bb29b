package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// KPISocket streams kpi.updated events for the authenticated owner. Browsers
// cannot set headers on the upgrade, so the token travels in the query.
func (s *Server) KPISocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		WriteError(w, http.StatusUnauthorized, "Authentication failed")
		return
	}
	principal, err := s.Tokens.Authenticate(token)
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "Authentication failed")
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.Hub.Add(conn, principal.UserID)
	defer func() {
		s.Hub.Remove(conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
