package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamsdk/session"
)

// diagnosticsServer exposes /healthz and /metrics over HTTP, generalizing
// the teacher's APIServer (server/api.go's health + room-state endpoints)
// from chat-room state to the transport core's session table.
type diagnosticsServer struct {
	echo    *echo.Echo
	manager *session.Manager
}

func newDiagnosticsServer(manager *session.Manager, reg *prometheus.Registry) *diagnosticsServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	d := &diagnosticsServer{echo: e, manager: manager}
	e.GET("/healthz", d.handleHealthz)
	e.GET("/sessions", d.handleSessions)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return d
}

type healthzResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (d *diagnosticsServer) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{Status: "ok", Sessions: d.manager.Len()})
}

type sessionView struct {
	ID   string `json:"id"`
	Peer string `json:"peer"`
}

func (d *diagnosticsServer) handleSessions(c echo.Context) error {
	snap := d.manager.Snapshot()
	out := make([]sessionView, 0, len(snap))
	for _, s := range snap {
		out = append(out, sessionView{ID: s.ID, Peer: s.Peer.String()})
	}
	return c.JSON(http.StatusOK, out)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (d *diagnosticsServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := d.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Default().Warn("diagnostics: server error", "err", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.echo.Shutdown(shutCtx); err != nil {
		slog.Default().Warn("diagnostics: shutdown", "err", err)
	}
}
