package receiver

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/meetcap/pkg/stream/tcp"
	wsbackend "github.com/MrWong99/meetcap/pkg/stream/websocket"
)

// WebSocketPath is where [Server.Handler] accepts websocket streams.
const WebSocketPath = "/ws"

// Handler returns an HTTP handler that serves the websocket transport on
// [WebSocketPath]. Every binary message carries exactly one frame; text
// messages are ignored. Connections end when ctx is cancelled or the server
// is closed.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		if !s.trackWebSocket() {
			http.Error(w, "receiver closing", http.StatusServiceUnavailable)
			return
		}
		defer s.wsConns.Done()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("receiver: websocket accept", "remote", r.RemoteAddr, "err", err)
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(wsbackend.MessageLimit)

		connCtx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stopCtx := context.AfterFunc(ctx, cancel)
		defer stopCtx()
		stopClosing := context.AfterFunc(s.closing, cancel)
		defer stopClosing()

		slog.Info("receiver: client connected", "remote", r.RemoteAddr, "transport", TransportWebSocket)
		id := s.connSeq.Add(1)
		touched := make(map[streamKey]struct{})
		status, reason := websocket.StatusNormalClosure, ""

		for {
			typ, msg, err := conn.Read(connCtx)
			if err != nil {
				if websocket.CloseStatus(err) == -1 && connCtx.Err() == nil {
					slog.Warn("receiver: websocket read", "remote", r.RemoteAddr, "err", err)
				}
				break
			}
			if typ != websocket.MessageBinary {
				continue
			}
			h, data, err := tcp.ReadFrame(bytes.NewReader(msg))
			if err != nil {
				slog.Warn("receiver: bad websocket frame", "remote", r.RemoteAddr, "err", err)
				status, reason = websocket.StatusUnsupportedData, "malformed frame"
				break
			}
			key, err := s.record(connCtx, id, h, data, TransportWebSocket)
			if errors.Is(err, ErrClosed) {
				status, reason = websocket.StatusGoingAway, "receiver closing"
				break
			}
			if err == nil {
				touched[key] = struct{}{}
			}
		}

		if s.closing.Err() != nil && status == websocket.StatusNormalClosure {
			status, reason = websocket.StatusGoingAway, "receiver closing"
		}
		slog.Info("receiver: client disconnected", "remote", r.RemoteAddr)
		s.finish(id, touched)
		conn.Close(status, reason)
	})
	return mux
}
