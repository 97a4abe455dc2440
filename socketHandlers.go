package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/mdobak/go-xerrors"

	"rfwatch/engine"
	"rfwatch/utils"
)

const (
	eventSnapshot        = "snapshot"
	eventAlert           = "alert"
	eventDrones          = "drones"
	eventPatterns        = "patterns"
	eventRequestSnapshot = "requestSnapshot"
	eventRequestDrones   = "requestDrones"
	eventRequestPatterns = "requestPatterns"
	eventError           = "analysisError"
)

func newSocketServer(allowedOrigin string) *socketio.Server {
	checkOrigin := func(r *http.Request) bool {
		if allowedOrigin == "" || allowedOrigin == "*" {
			return true
		}
		return r.Header.Get("Origin") == allowedOrigin
	}
	return socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{CheckOrigin: checkOrigin},
			&polling.Transport{CheckOrigin: checkOrigin},
		},
	})
}

// socketController pushes snapshots and alerts to connected dashboards.
type socketController struct {
	runner *engine.Runner
	server *socketio.Server
	logger *slog.Logger
}

func newSocketController(runner *engine.Runner) *socketController {
	return &socketController{runner: runner, logger: utils.GetLogger()}
}

func (c *socketController) register(server *socketio.Server) {
	c.server = server

	server.OnConnect("/", func(socket socketio.Conn) error {
		socket.SetContext("")
		c.logger.Info("socket connected",
			slog.String("socketID", socket.ID()),
			slog.String("remoteAddr", socket.RemoteAddr().String()))
		c.emitSnapshot(socket)
		return nil
	})

	server.OnEvent("/", eventRequestSnapshot, func(socket socketio.Conn) {
		c.safely(socket, eventRequestSnapshot, func() { c.emitSnapshot(socket) })
	})

	server.OnEvent("/", eventRequestDrones, func(socket socketio.Conn, status string) {
		c.safely(socket, eventRequestDrones, func() {
			if status == "lost" {
				socket.Emit(eventDrones, c.runner.DroneHistory())
				return
			}
			socket.Emit(eventDrones, c.runner.ActiveDrones())
		})
	})

	server.OnEvent("/", eventRequestPatterns, func(socket socketio.Conn) {
		c.safely(socket, eventRequestPatterns, func() {
			socket.Emit(eventPatterns, c.runner.ActivePatterns())
		})
	})

	server.OnError("/", func(socket socketio.Conn, err error) {
		c.logger.Warn("socket error", slog.Any("error", err))
	})

	server.OnDisconnect("/", func(socket socketio.Conn, reason string) {
		c.logger.Info("socket disconnected",
			slog.String("socketID", socket.ID()),
			slog.String("reason", reason))
	})
}

func (c *socketController) safely(socket socketio.Conn, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("socket handler panic",
				slog.String("socketID", socket.ID()),
				slog.String("event", event),
				slog.Any("error", xerrors.New(r)))
			socket.Emit(eventError, map[string]string{"message": "internal server error during processing"})
		}
	}()
	fn()
}

func (c *socketController) emitSnapshot(socket socketio.Conn) {
	snap, ok := c.runner.Latest()
	if !ok {
		return
	}
	socket.Emit(eventSnapshot, snap)
}

func (c *socketController) broadcastSnapshot(snap engine.Snapshot) {
	if c.server == nil {
		return
	}
	c.server.BroadcastToNamespace("/", eventSnapshot, snap)
}

// PublishAlert implements engine.AlertSink.
func (c *socketController) PublishAlert(_ context.Context, alert engine.Alert) error {
	if c.server == nil {
		return nil
	}
	c.server.BroadcastToNamespace("/", eventAlert, alert)
	return nil
}
