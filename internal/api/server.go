// Package api exposes the upload and artifact surface over HTTP. Handlers
// stay thin: they bind input, call the session manager or artifact
// registry, and map fault kinds to status codes.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/stowage-io/stowage/internal/artifact"
	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/logging"
	"github.com/stowage-io/stowage/internal/session"
)

// Server wires the HTTP routes to the domain components.
type Server struct {
	echo      *echo.Echo
	manager   *session.Manager
	artifacts *artifact.Registry
	log       *slog.Logger
}

func NewServer(manager *session.Manager, artifacts *artifact.Registry) *Server {
	s := &Server{
		manager:   manager,
		artifacts: artifacts,
		log:       logging.Component("api"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.correlationMiddleware)

	e.GET("/health", s.handleHealth)

	v1 := e.Group("/v1")
	v1.POST("/uploads", s.handleBegin)
	v1.GET("/uploads/:id", s.handleStatus)
	v1.GET("/uploads/:id/files/:file/parts/:index/url", s.handlePresignChunk)
	v1.POST("/uploads/:id/chunks", s.handleConfirmChunk)
	v1.POST("/uploads/:id/finalize", s.handleFinalize)
	v1.GET("/artifacts/:id/download", s.handleDownload)

	s.echo = e
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// correlationMiddleware tags every request with a correlation ID, echoed
// back in the response for client-side log joins.
func (s *Server) correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get("X-Correlation-ID")
		if id == "" {
			id = logging.GenerateCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set("X-Correlation-ID", id)
		return next(c)
	}
}

// errorResponse is the JSON error body.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// respondError maps fault kinds to HTTP status codes.
func respondError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindConflict, fault.KindIncomplete:
		status = http.StatusConflict
	case fault.KindTransient:
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, errorResponse{Error: err.Error(), Kind: string(fault.KindOf(err))})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
