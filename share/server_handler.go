package stshare

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// handleClientHandler is the main http handler for the tunnel server.
// Websocket upgrade requests on any path become encrypted relays; plain
// HTTP requests get the landing endpoints (or the reverse proxy if one is
// configured).
func (s *Server) handleClientHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	if upgrade == "websocket" {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			err = s.DLogErrorf("Failed to upgrade to websocket: %s", err)
			http.Error(w, err.Error(), 503)
			return
		}

		go func() {
			s.handleWebsocket(ctx, wsConn)
			wsConn.Close()
		}()

		return
	}

	//proxy target was provided
	if s.reverseProxy != nil {
		s.reverseProxy.ServeHTTP(w, r)
		return
	}

	//no proxy defined, serve the landing endpoints
	switch r.URL.Path {
	case "/", "/index.html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(indexPage))
		return
	case "/generate_204":
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	http.Error(w, "Not Found", 404)
}

// handleWebsocket services one upgraded connection. It is guaranteed on
// return that the relay has completely shut down.
func (s *Server) handleWebsocket(ctx context.Context, wsConn *websocket.Conn) {
	relay := NewRelay(s, wsConn)
	relay.Run(ctx)
}
