// Package api exposes the monitor over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"txwatch/internal/model"
	"txwatch/internal/version"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Monitor is the part of service.Monitor the API drives.
type Monitor interface {
	WatchSignature(signature, programID string) bool
	Transaction(signature string) (model.TransactionEvent, bool)
	TrackTransaction(ctx context.Context, actorID, signature string, amount decimal.Decimal, recipient, txType string) []model.Alert
	UpdateTransactionStatus(ctx context.Context, actorID, signature string, status model.TxStatus) ([]model.Alert, bool)
	RecentTransactions(limit int, programID string) []model.TransactionEvent
	Metrics() model.TransactionMetrics
	ActorStats(actorID string) (model.ActorStats, bool)
	ActiveAlerts() []model.Alert
}

// Options configure the HTTP listener.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server serves the ingestion and read API.
type Server struct {
	monitor Monitor
	metrics http.Handler
	opts    Options
	router  *gin.Engine
	logger  zerolog.Logger
}

// NewServer builds the router. metricsHandler may be nil.
func NewServer(monitor Monitor, metricsHandler http.Handler, opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		monitor: monitor,
		metrics: metricsHandler,
		opts:    opts,
		logger:  logger.With().Str("component", "http").Logger(),
	}
	s.router = s.routes()
	return s
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.logger), accessLog(s.logger))

	r.GET("/healthz", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/signatures", s.watchSignature)
		v1.GET("/signatures/:signature", s.getSignature)

		v1.POST("/transactions", s.trackTransaction)
		v1.PUT("/transactions/:signature/status", s.updateStatus)
		v1.GET("/transactions", s.listTransactions)

		v1.GET("/metrics", s.getMetrics)
		v1.GET("/actors/:actorId/stats", s.actorStats)
		v1.GET("/alerts/active", s.activeAlerts)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Version,
		"commit":  version.Commit,
	})
}

type watchRequest struct {
	Signature string `json:"signature" binding:"required"`
	ProgramID string `json:"programId"`
}

func (s *Server) watchSignature(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	watching := s.monitor.WatchSignature(req.Signature, req.ProgramID)
	c.JSON(http.StatusAccepted, gin.H{"signature": req.Signature, "watching": watching})
}

func (s *Server) getSignature(c *gin.Context) {
	event, ok := s.monitor.Transaction(c.Param("signature"))
	if !ok {
		writeError(c, http.StatusNotFound, "not_found", "signature is not tracked")
		return
	}
	c.JSON(http.StatusOK, event)
}

type trackRequest struct {
	ActorID   string          `json:"actorId" binding:"required"`
	Signature string          `json:"signature" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
	Type      string          `json:"type"`
}

func (s *Server) trackTransaction(c *gin.Context) {
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Amount.IsNegative() {
		writeError(c, http.StatusBadRequest, "invalid_request", "amount cannot be negative")
		return
	}
	alerts := s.monitor.TrackTransaction(c.Request.Context(), req.ActorID, req.Signature, req.Amount, req.Recipient, req.Type)
	if alerts == nil {
		alerts = []model.Alert{}
	}
	c.JSON(http.StatusAccepted, gin.H{"alerts": alerts})
}

type statusRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Status  string `json:"status" binding:"required"`
}

func (s *Server) updateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	status, ok := model.ParseTxStatus(req.Status)
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid_status", "status must be confirmed or failed")
		return
	}
	alerts, found := s.monitor.UpdateTransactionStatus(c.Request.Context(), req.ActorID, c.Param("signature"), status)
	if !found {
		writeError(c, http.StatusNotFound, "not_found", "no such transaction for actor")
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	c.JSON(http.StatusAccepted, gin.H{"alerts": alerts})
}

func (s *Server) listTransactions(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	c.JSON(http.StatusOK, s.monitor.RecentTransactions(limit, c.Query("programId")))
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Metrics())
}

func (s *Server) actorStats(c *gin.Context) {
	stats, ok := s.monitor.ActorStats(c.Param("actorId"))
	if !ok {
		writeError(c, http.StatusNotFound, "not_found", "actor has no retained history")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) activeAlerts(c *gin.Context) {
	alerts := s.monitor.ActiveAlerts()
	if alerts == nil {
		alerts = []model.Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
