package transport

import (
	"context"
	"net/http"
	"time"

	"exchange-coordinator/broadcast"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxMessageSize      = 1 << 20
)

// Server upgrades client requests to websockets and feeds their frames to the router.
type Server struct {
	upgrader websocket.Upgrader
	registry *broadcast.Registry
	router   *Router
	ctx      context.Context

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// NewServer binds request handling to ctx so that shutdown stops in-flight work.
func NewServer(ctx context.Context, registry *broadcast.Registry, router *Router) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry:     registry,
		router:       router,
		ctx:          ctx,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		PingInterval: defaultPingInterval,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("remote", r.RemoteAddr).Warningln("Upgrade failed: ", err.Error())
		return
	}

	conn := NewConnection(ws, s.WriteTimeout)
	s.registry.Add(conn)
	logrus.WithFields(logrus.Fields{"connId": conn.ID(), "remote": r.RemoteAddr}).Infoln("Client connected")

	ctx, cancel := context.WithCancel(s.ctx)
	defer func() {
		cancel()
		s.registry.Remove(conn.ID())
		_ = conn.Close()
		logrus.WithField("connId", conn.ID()).Infoln("Client disconnected")
	}()

	if s.PingInterval > 0 {
		go s.pingLoop(ctx, conn)
	}
	s.readLoop(ctx, ws, conn)
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *Connection) {
	ws.SetReadLimit(maxMessageSize)
	extend := func() {
		if s.ReadTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithField("connId", conn.ID()).Warningln("Read error: ", err.Error())
			}
			return
		}

		extend()
		s.router.Handle(ctx, conn, msg)
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *Connection) {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		}
	}
}
