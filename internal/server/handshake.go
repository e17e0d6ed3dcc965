package server

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net"
	"net/http"

	"github.com/gaspardpetit/wschan/internal/channel"
	"github.com/gaspardpetit/wschan/internal/metrics"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// IsHandshake reports whether r is a WebSocket opening handshake.
func IsHandshake(r *http.Request) bool {
	return r.ProtoAtLeast(1, 1) &&
		r.Method == http.MethodGet &&
		r.Header.Get("Connection") == "Upgrade" &&
		r.Header.Get("Upgrade") == "websocket" &&
		r.Header.Get("Sec-WebSocket-Key") != ""
}

// AcceptKey derives the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HandleRequest answers a WebSocket handshake and hands the connection to
// Upgrade. Anything else gets a 400.
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	if !IsHandshake(r) {
		metrics.RecordHandshake("rejected")
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "Not a WebSocket handshake")
		return
	}
	if s.state.IsDraining() {
		metrics.RecordHandshake("draining")
		http.Error(w, "server draining", http.StatusServiceUnavailable)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		s.log.Error().Msg("response writer does not support hijacking")
		http.Error(w, "upgrade unsupported", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		s.log.Error().Err(err).Msg("hijack")
		return
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(r.Header.Get("Sec-WebSocket-Key")) + "\r\n\r\n"
	if _, err := conn.Write([]byte(resp)); err != nil {
		s.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake write")
		_ = conn.Close()
		return
	}
	metrics.RecordHandshake("accepted")

	var t channel.Transport = conn
	if rw != nil && rw.Reader.Buffered() > 0 {
		t = &bufferedConn{Conn: conn, r: rw.Reader}
	}
	s.Upgrade(t)
}

// bufferedConn drains bytes the HTTP server read ahead of the handshake
// before reading from the connection itself.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	return c.Conn.Read(p)
}
