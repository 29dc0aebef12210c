// Package api exposes the orchestrator over HTTP: canary lifecycle,
// production promotion and rollback, recovery execution, and the
// approval queue.
package api

import (
	"fmt"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tradeops/helmsman/pkg/approval"
	"github.com/tradeops/helmsman/pkg/bluegreen"
	"github.com/tradeops/helmsman/pkg/canary"
	"github.com/tradeops/helmsman/pkg/log"
	"github.com/tradeops/helmsman/pkg/metrics"
	"github.com/tradeops/helmsman/pkg/rollback"
	"github.com/tradeops/helmsman/pkg/storage"
)

// Server is the orchestrator's HTTP API
type Server struct {
	router   *gin.Engine
	canaries *canary.Controller
	promoter *bluegreen.Promoter
	engine   *rollback.Engine
	gate     *approval.Gate
	store    storage.Store
	logger   zerolog.Logger
}

// NewServer wires the API around the given subsystems
func NewServer(canaries *canary.Controller, promoter *bluegreen.Promoter, engine *rollback.Engine, gate *approval.Gate, store storage.Store) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		canaries: canaries,
		promoter: promoter,
		engine:   engine,
		gate:     gate,
		store:    store,
		logger:   log.WithComponent("api"),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))
	r.Use(s.observe())

	s.router = r
	s.routes()
	return s
}

// observe counts requests by method and response status
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func (s *Server) routes() {
	s.router.GET("/health", gin.WrapF(metrics.HealthHandler()))
	s.router.GET("/ready", gin.WrapF(metrics.ReadyHandler()))
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		canaries := v1.Group("/canaries")
		{
			canaries.POST("", s.launchCanary)
			canaries.GET("", s.listCanaries)
			canaries.GET("/:id", s.getCanary)
			canaries.POST("/:id/promote", s.promoteCanary)
			canaries.POST("/:id/rollback", s.rollbackCanary)
		}
		v1.GET("/traffic-rules", s.listTrafficRules)

		production := v1.Group("/production")
		{
			production.GET("", s.productionStatus)
			production.POST("/promote", s.promoteProduction)
			production.POST("/rollback", s.rollbackProduction)
			production.GET("/history", s.promotionHistory)
		}

		rollbacks := v1.Group("/rollbacks")
		{
			rollbacks.POST("/simulate", s.simulateRollback)
			rollbacks.POST("/execute", s.executeRollback)
			rollbacks.GET("/history", s.rollbackHistory)
		}

		snapshots := v1.Group("/snapshots")
		{
			snapshots.POST("", s.createSnapshot)
			snapshots.GET("", s.listSnapshots)
			snapshots.GET("/:deployment_id", s.getSnapshot)
		}

		transactions := v1.Group("/transactions")
		{
			transactions.POST("", s.recordTransaction)
			transactions.GET("", s.listTransactions)
		}

		approvals := v1.Group("/approvals")
		{
			approvals.GET("", s.listApprovals)
			approvals.POST("/:id/approve", s.approve)
			approvals.POST("/:id/reject", s.reject)
		}
	}
}

// Router exposes the underlying engine, mainly for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves the API on the given address, blocking until the listener
// fails
func (s *Server) Run(address string) error {
	s.logger.Info().Str("address", address).Msg("api listening")
	metrics.UpdateComponent("api", true, "")
	if err := s.router.Run(address); err != nil {
		metrics.UpdateComponent("api", false, err.Error())
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}
