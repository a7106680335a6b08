package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"signalos-core/internal/signal"
	"signalos-core/internal/stealth"
	"signalos-core/pkg/db"

	"github.com/gin-gonic/gin"
)

type submitSignalRequest struct {
	ProviderID string    `json:"provider_id" binding:"required,min=1"`
	SourceID   string    `json:"source_id"`
	Text       string    `json:"text" binding:"required,min=1"`
	ReceivedAt time.Time `json:"received_at"`
	DryRun     bool      `json:"dry_run"`
}

type listDeadLettersQuery struct {
	Limit int `form:"limit"`
}

type emergencyStopRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (q *listDeadLettersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// submitSignal accepts one raw signal. With dry_run the full gate chain
// runs but nothing is persisted, reserved or dispatched.
func (s *Server) submitSignal(c *gin.Context) {
	var req submitSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}

	raw := signal.RawSignal{
		ProviderID: req.ProviderID,
		SourceID:   req.SourceID,
		Text:       req.Text,
		ReceivedAt: req.ReceivedAt,
	}

	if req.DryRun {
		rep := s.Engine.Simulate(raw)
		c.JSON(http.StatusOK, rep)
		return
	}

	id, err := s.Engine.Submit(c.Request.Context(), raw)
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, "SUBMIT_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"signal_id": id})
}

// getSignal returns the live status and the full reason chain.
func (s *Server) getSignal(c *gin.Context) {
	id := c.Param("id")

	status, tracked := s.States.Status(id)

	var trail []db.AuditEventRow
	if s.Queries != nil {
		var err error
		trail, err = s.Queries.AuditTrail(c.Request.Context(), id)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
			return
		}
	}
	if !tracked && len(trail) == 0 {
		respondError(c, http.StatusNotFound, "SIGNAL_NOT_FOUND", "unknown signal id")
		return
	}

	resp := gin.H{"signal_id": id, "trail": trail}
	if tracked {
		resp["status"] = status
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listSignals(c *gin.Context) {
	statuses := s.States.Statuses()
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].UpdatedAt.After(statuses[j].UpdatedAt)
	})
	c.JSON(http.StatusOK, gin.H{"signals": statuses, "count": len(statuses)})
}

func (s *Server) listDeadLetters(c *gin.Context) {
	var q listDeadLettersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	letters, err := s.Retries.DeadLetters(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters, "count": len(letters)})
}

func (s *Server) requeueDeadLetter(c *gin.Context) {
	id := c.Param("id")
	if err := s.Retries.Requeue(c.Request.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "COMMAND_NOT_FOUND", "no retry entry for command")
			return
		}
		respondError(c, http.StatusConflict, "REQUEUE_REFUSED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"command_id": id, "status": "requeued"})
}

func (s *Server) getRiskSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"config":            s.RiskMgr.Config(),
		"emergency_stopped": s.RiskMgr.EmergencyStopped(),
	})
}

func (s *Server) updateRiskSettings(c *gin.Context) {
	cfg := s.RiskMgr.Config()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if cfg.MinTradableLot < 0 || cfg.MarginLevelFloor < 0 || cfg.GlobalSignalsPerMinute < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_SETTINGS", "risk settings must be non-negative")
		return
	}
	s.RiskMgr.UpdateConfig(cfg)
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

func (s *Server) getStealthSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.StealthConfig())
}

func (s *Server) updateStealthSettings(c *gin.Context) {
	cfg := s.Engine.StealthConfig()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if err := validateStealth(cfg); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SETTINGS", err.Error())
		return
	}
	s.Engine.SetStealthConfig(cfg)
	c.JSON(http.StatusOK, cfg)
}

func validateStealth(cfg stealth.Config) error {
	if cfg.LotJitterPercent < 0 || cfg.LotJitterPercent > 50 {
		return errors.New("lot_jitter_percent must be within [0, 50]")
	}
	if cfg.DelayMin < 0 || cfg.DelayMax < cfg.DelayMin {
		return errors.New("delay bounds must satisfy 0 <= min <= max")
	}
	if cfg.RandomizeMagic && cfg.MagicMax < cfg.MagicMin {
		return errors.New("magic number range must satisfy min <= max")
	}
	return nil
}

func (s *Server) setEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "enabled flag is required")
		return
	}
	s.RiskMgr.SetEmergencyStop(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"emergency_stopped": *req.Enabled})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	status := gin.H{
		"status":     "running",
		"version":    s.Meta.Version,
		"bridge_dir": s.Meta.BridgeDir,
		"dry_run":    s.Meta.DryRun,
		"started_at": s.Meta.StartedAt,
		"uptime_sec": int(time.Since(s.Meta.StartedAt).Seconds()),
	}
	if s.Engine != nil {
		status["backlog"] = s.Engine.Backlog()
	}
	if s.Bus != nil {
		status["events_dropped"] = s.Bus.Dropped()
	}
	if s.RiskMgr != nil {
		status["emergency_stopped"] = s.RiskMgr.EmergencyStopped()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not configured")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}
