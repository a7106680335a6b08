package api

import (
	"context"
	"net/http"
	"time"

	"signalos-core/internal/events"
	"signalos-core/internal/monitor"
	"signalos-core/internal/pipeline"
	"signalos-core/internal/retry"
	"signalos-core/internal/risk"
	"signalos-core/internal/signal"
	"signalos-core/internal/state"
	"signalos-core/internal/stealth"
	"signalos-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Pipeline is the engine surface the API needs.
type Pipeline interface {
	Submit(ctx context.Context, raw signal.RawSignal) (string, error)
	Simulate(raw signal.RawSignal) pipeline.SimulationReport
	Backlog() int
	StealthConfig() stealth.Config
	SetStealthConfig(cfg stealth.Config)
}

// Server wires HTTP endpoints around the pipeline and the event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Engine    Pipeline
	RiskMgr   *risk.Manager
	Retries   *retry.Queue
	States    *state.Manager
	Metrics   *monitor.PipelineMetrics
	Queries   *db.Queries
	JWTSecret string
	Auth      OperatorAuth
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	BridgeDir string
	DryRun    bool
	Version   string
	StartedAt time.Time
}

func NewServer(bus *events.Bus, eng Pipeline, riskMgr *risk.Manager, retries *retry.Queue, states *state.Manager, metrics *monitor.PipelineMetrics, queries *db.Queries, auth OperatorAuth, jwtSecret string, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Engine:    eng,
		RiskMgr:   riskMgr,
		Retries:   retries,
		States:    states,
		Metrics:   metrics,
		Queries:   queries,
		JWTSecret: jwtSecret,
		Auth:      auth,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		// Auth endpoint (no auth required, tighter rate limit)
		api.POST("/auth/login", LoginRateLimit(5, 30), s.login)

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/signals", s.submitSignal)
			protected.GET("/signals", s.listSignals)
			protected.GET("/signals/:id", s.getSignal)

			protected.GET("/deadletters", s.listDeadLetters)
			protected.POST("/deadletters/:id/requeue", s.requeueDeadLetter)

			protected.GET("/settings/risk", s.getRiskSettings)
			protected.PUT("/settings/risk", s.updateRiskSettings)
			protected.GET("/settings/stealth", s.getStealthSettings)
			protected.PUT("/settings/stealth", s.updateStealthSettings)

			protected.POST("/system/emergency-stop", s.setEmergencyStop)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
