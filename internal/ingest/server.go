package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// WebSocket tuning for tracer connections.
const (
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	readTimeout    = 60 * time.Second
	maxMessageSize = 10 << 20
)

// Server accepts tracer websocket connections on the loopback push channel.
type Server struct {
	pipeline *Pipeline
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the push-channel server.
func NewServer(pipeline *Pipeline, log *zap.Logger) *Server {
	return &Server{
		pipeline: pipeline,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The listener binds to loopback only.
				return true
			},
		},
	}
}

// HandleWebSocket upgrades a tracer connection and pumps its frames into
// the pipeline. Multiple concurrent tracer connections are tolerated.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade tracer connection", zap.Error(err))
		return err
	}

	ws.SetReadLimit(maxMessageSize)

	go s.writePump(ws)
	go s.readPump(ws)

	return nil
}

// readPump reads frames from one tracer connection until it closes.
// Frames are processed on a background context: persistence must not be
// tied to the upgrade request's lifetime.
func (s *Server) readPump(ws *websocket.Conn) {
	ctx := context.Background()
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Warn("tracer connection error", zap.Error(err))
			}
			return
		}

		s.pipeline.Process(ctx, message)
	}
}

// writePump keeps the connection alive with periodic pings.
func (s *Server) writePump(ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for range ticker.C {
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}
