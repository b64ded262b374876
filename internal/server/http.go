package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/query"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps holds everything the HTTP surface needs. Query reads come from the
// projections; writes and live reads go straight to the core engine.
type Deps struct {
	Core      *core.Engine
	Query     *query.Service
	Snapshots *persistence.SnapshotManager
	DB        *sql.DB
	Health    *observability.HealthChecker
	Logger    zerolog.Logger
	StartTime time.Time
}

// Server wraps the HTTP server and its routes.
type Server struct {
	httpServer *http.Server
	deps       *Deps
	logger     zerolog.Logger
}

func NewServer(addr string, deps *Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "http").Logger(),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes(router)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// Router exposes the configured handler for tests.
func (s *Server) Router() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(router *gin.Engine) {
	if s.deps.Health != nil {
		router.GET("/healthz", gin.WrapF(s.deps.Health.LivenessHandler))
		router.GET("/readyz", gin.WrapF(s.deps.Health.ReadinessHandler))
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		accounts := v1.Group("/accounts")
		{
			accounts.POST("/deposits", s.handleDeposit)
			accounts.POST("/withdrawals", s.handleWithdraw)
			accounts.GET("/:user_id/balances", s.handleGetBalances)
			accounts.GET("/:user_id/balances/:asset", s.handleGetBalance)
			accounts.GET("/:user_id/journal", s.handleGetJournal)
		}

		loans := v1.Group("/loans")
		{
			loans.POST("", s.handleOpenLoan)
			loans.GET("", s.handleListLoans)
			loans.GET("/:loan_id", s.handleGetLoan)
			loans.GET("/:loan_id/due", s.handleAmountDue)
			loans.POST("/:loan_id/repay", s.handleRepayLoan)
			loans.POST("/:loan_id/liquidate", s.handleLiquidate)
		}

		prices := v1.Group("/prices")
		{
			prices.POST("", s.handleUpdatePrice)
			prices.POST("/batch", s.handleUpdatePriceBatch)
			prices.GET("", s.handleListPrices)
			prices.GET("/:asset", s.handleGetPrice)
		}

		pool := v1.Group("/pool")
		{
			pool.POST("/deposits", s.handleFundPool)
			pool.GET("/balances", s.handleGetPoolBalances)
		}

		admin := v1.Group("/admin")
		{
			admin.GET("/status", s.handleStatus)
			admin.GET("/integrity", s.handleIntegrity)
			admin.POST("/snapshots", s.handleTakeSnapshot)
			admin.POST("/projections/rebuild", s.handleRebuildProjections)
		}
	}
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
