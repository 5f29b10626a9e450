package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Ruz-on-git/FiguraJustCommunicateServer/internal/router"
	"github.com/Ruz-on-git/FiguraJustCommunicateServer/internal/server/middleware"
	"github.com/Ruz-on-git/FiguraJustCommunicateServer/internal/session"
	"github.com/Ruz-on-git/FiguraJustCommunicateServer/pkg/config"
	"github.com/Ruz-on-git/FiguraJustCommunicateServer/pkg/state"
	"github.com/Ruz-on-git/FiguraJustCommunicateServer/pkg/state/registry"
	"github.com/Ruz-on-git/FiguraJustCommunicateServer/pkg/transport"
)

type App struct {
	logger   *slog.Logger
	registry state.Registry
	router   *router.Router
	wg       sync.WaitGroup
	http     *http.Server
	config   *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	reg := registry.NewInMemory(logger)
	rt := router.New(logger, reg)

	app := &App{
		logger:   logger,
		registry: reg,
		router:   rt,
		config:   cfg,
		ctx:      rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	// Every path is a room; the room id is the path itself.
	mux.Handle("/",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
		),
	)

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	var ip string
	if reqMeta != nil {
		ip = reqMeta.IP
	}

	// The request path, decoded and stripped of slashes, is the room
	// identifier, used verbatim as the partition key.
	roomID := strings.Trim(r.URL.Path, "/")
	if roomID == "" {
		http.Error(w, "Room name must be provided in the URL path (e.g., /my-room).", http.StatusBadRequest)
		return
	}

	connLogger := a.logger.With(
		slog.String("remoteAddr", ip),
		slog.String("roomID", roomID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:     a.config.Transport.ReadTimeout,
			MaxMessageBytes: a.config.Transport.MaxMessageBytes,
			SendBuffer:      a.config.Transport.SendBuffer,
		},
		nil,
		nil,
		connLogger,
	)

	sess := session.New(connLogger, a.registry, a.router, conn, roomID)
	conn.SetOnMessageHandler(sess.HandleFrame)
	conn.SetOnCloseHandler(sess.HandleClose)

	conn.Run()
	sess.Start(a.config.Transport.RegisterTimeout)
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, client := range a.registry.Clients() {
		client.Conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
