package api

import (
	"context"
	"net"
	"net/http"

	"github.com/coder/websocket"

	"github.com/boopnet/boopd/internal/domain"
	"github.com/boopnet/boopd/internal/session"
)

// HandleWS upgrades the connection and runs the session until it ends. The
// client identifier is derived from the caller's network address; the session
// owns the connection from here on.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.Conns != nil {
		if !s.Conns.Acquire(ip) {
			errorJSON(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		defer s.Conns.Release(ip)
	}

	opts := &websocket.AcceptOptions{OriginPatterns: s.AllowedOrigins}
	if len(s.AllowedOrigins) == 0 {
		// No origin allowlist configured: accept from anywhere (dev).
		opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		// Accept has already written the HTTP error.
		LoggerFromContext(r.Context()).Warn("websocket accept failed", "error", err)
		return
	}

	session.Run(r.Context(), &wsChannel{conn: conn}, session.Config{
		ClientID:     domain.ClientIDFromAddr(ip),
		Connector:    s.Connector,
		Tokens:       s.Tokens,
		Logger:       LoggerFromContext(r.Context()),
		FlushTimeout: s.SessionFlushTimeout,
	})
}

// wsChannel adapts a websocket connection to the session's Channel.
type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, bool, error) {
	typ, payload, err := c.conn.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	return payload, typ == websocket.MessageText, nil
}

func (c *wsChannel) Write(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *wsChannel) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// clientIP extracts the client IP, preferring X-Real-Ip set by a fronting
// proxy and stripping the port from RemoteAddr.
func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
