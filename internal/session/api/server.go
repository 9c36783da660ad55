// Package api exposes the worker's REST and streaming surface: thread
// and job operations, cursor reads, SSE event streams and the announce
// websocket bridge.
package api

import (
	goerrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codeplane/codeplane/internal/common/config"
	"github.com/codeplane/codeplane/internal/common/errors"
	"github.com/codeplane/codeplane/internal/common/httpmw"
	"github.com/codeplane/codeplane/internal/common/logger"
	"github.com/codeplane/codeplane/internal/events/bus"
	"github.com/codeplane/codeplane/internal/session"
)

// Server is the HTTP API server.
type Server struct {
	cfg          *config.Config
	orchestrator *session.Orchestrator
	bus          bus.EventBus
	logger       *logger.Logger
	router       *gin.Engine

	upgrader websocket.Upgrader
}

// NewServer wires the router. The caller owns the http.Server lifecycle.
func NewServer(cfg *config.Config, orchestrator *session.Orchestrator, eventBus bus.EventBus, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		bus:          eventBus,
		logger:       log.WithFields(zap.String("component", "api-server")),
		router:       gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local worker, clients authenticate via bearer token
			},
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "codeplane-worker"))
	s.router.Use(httpmw.OtelTracing("codeplane-worker"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/v1")
	api.Use(httpmw.BearerAuth(s.cfg.Auth.Token))
	{
		api.POST("/threads", s.handleCreateThread)
		api.GET("/threads", s.handleListThreads)
		api.GET("/threads/:tid", s.handleGetThread)
		api.POST("/threads/:tid/activate", s.handleActivateThread)
		api.POST("/threads/:tid/archive", s.handleArchiveThread)
		api.POST("/threads/:tid/turns", s.handleStartTurn)
		api.GET("/threads/:tid/events", s.handleThreadHistory)

		api.GET("/jobs/:jid", s.handleGetJob)
		api.GET("/jobs/:jid/events", s.handleJobEvents)
		api.POST("/jobs/:jid/approve", s.handleApprove)
		api.POST("/jobs/:jid/cancel", s.handleCancelJob)

		api.GET("/ws", s.handleAnnounceWS)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"authEnabled": s.cfg.Auth.Token != "",
	})
}

// renderError maps an application error to its HTTP shape.
func (s *Server) renderError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !goerrors.As(err, &appErr) {
		appErr = errors.InternalError("internal error", err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}
