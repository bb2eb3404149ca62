// Package gateway carries market room sessions over websockets.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guildhall/economy/internal/marketroom"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 * 1024
)

// TokenVerifier resolves a session token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Rooms hands out the running room of a market.
type Rooms interface {
	Room(marketID string) (*marketroom.Room, error)
}

// Server upgrades authenticated requests and pumps room messages.
type Server struct {
	rooms    Rooms
	tokens   TokenVerifier
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer builds a websocket gateway.
func NewServer(rooms Rooms, tokens TokenVerifier, logger *slog.Logger) *Server {
	return &Server{
		rooms:  rooms,
		tokens: tokens,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxFrameSize,
			WriteBufferSize: maxFrameSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns the gateway mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/markets/{marketId}", s.ServeMarket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func bearer(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// ServeMarket authenticates before upgrading so rejected clients get a plain
// HTTP status.
func (s *Server) ServeMarket(w http.ResponseWriter, r *http.Request) {
	userID, err := s.tokens.Verify(bearer(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	room, err := s.rooms.Room(r.PathValue("marketId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session, err := room.Join(ctx, userID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable"), time.Now().Add(time.Second))
		return
	}
	defer room.Leave(session.ID)
	logger := s.logger.With(slog.String("room", room.ID()), slog.String("session_id", session.ID), slog.String("user_id", userID))
	logger.Debug("websocket connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx, conn, session)
		cancel()
		// Unblocks ReadMessage when the room ended the session.
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := room.Submit(ctx, session.ID, msg); err != nil {
			break
		}
	}
	cancel()
	<-writerDone
	logger.Debug("websocket closed")
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, session *marketroom.Session) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg, ok := <-session.Out():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
