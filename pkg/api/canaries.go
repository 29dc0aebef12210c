package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradeops/helmsman/pkg/types"
)

type triggerRequest struct {
	Metric    string  `json:"metric" binding:"required"`
	Operator  string  `json:"operator" binding:"required"`
	Threshold float64 `json:"threshold"`
	Sustained int     `json:"sustained"`
	Severity  string  `json:"severity" binding:"required"`
}

type healthCheckRequest struct {
	Name     string `json:"name" binding:"required"`
	Endpoint string `json:"endpoint" binding:"required"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout"`
}

type launchCanaryRequest struct {
	StrategyID        string               `json:"strategy_id" binding:"required"`
	Version           string               `json:"version" binding:"required"`
	InitialTraffic    int                  `json:"initial_traffic"`
	TargetTraffic     int                  `json:"target_traffic"`
	RampDuration      string               `json:"ramp_duration"`
	Triggers          []triggerRequest     `json:"triggers"`
	HealthChecks      []healthCheckRequest `json:"health_checks"`
	FeatureFlags      map[string]bool      `json:"feature_flags"`
	ConfigFingerprint string               `json:"config_fingerprint"`
}

func (s *Server) launchCanary(c *gin.Context) {
	var req launchCanaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := &types.CanaryParams{
		StrategyID:        req.StrategyID,
		Version:           req.Version,
		InitialTraffic:    req.InitialTraffic,
		TargetTraffic:     req.TargetTraffic,
		FeatureFlags:      req.FeatureFlags,
		ConfigFingerprint: req.ConfigFingerprint,
	}
	if req.RampDuration != "" {
		d, err := time.ParseDuration(req.RampDuration)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ramp_duration: " + err.Error()})
			return
		}
		params.RampDuration = d
	}
	for _, t := range req.Triggers {
		params.Triggers = append(params.Triggers, &types.RollbackTrigger{
			Metric:    t.Metric,
			Operator:  types.TriggerOperator(t.Operator),
			Threshold: t.Threshold,
			Sustained: t.Sustained,
			Severity:  types.TriggerSeverity(t.Severity),
		})
	}
	for _, hc := range req.HealthChecks {
		check := &types.HealthCheck{Name: hc.Name, Endpoint: hc.Endpoint}
		if hc.Interval != "" {
			d, err := time.ParseDuration(hc.Interval)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid health check interval: " + err.Error()})
				return
			}
			check.Interval = d
		}
		if hc.Timeout != "" {
			d, err := time.ParseDuration(hc.Timeout)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid health check timeout: " + err.Error()})
				return
			}
			check.Timeout = d
		}
		params.HealthChecks = append(params.HealthChecks, check)
	}

	dep, err := s.canaries.Launch(params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, dep)
}

func (s *Server) listCanaries(c *gin.Context) {
	c.JSON(http.StatusOK, s.canaries.List())
}

func (s *Server) getCanary(c *gin.Context) {
	dep, err := s.canaries.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (s *Server) promoteCanary(c *gin.Context) {
	id := c.Param("id")
	dep, err := s.canaries.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if dep.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "canary is already " + string(dep.Status)})
		return
	}
	if err := s.canaries.Promote(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dep)
}

type rollbackCanaryRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) rollbackCanary(c *gin.Context) {
	id := c.Param("id")
	var req rollbackCanaryRequest
	if err := c.ShouldBindJSON(&req); err != nil && !strings.Contains(err.Error(), "EOF") {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual rollback"
	}

	dep, err := s.canaries.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if dep.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "canary is already " + string(dep.Status)})
		return
	}
	if err := s.canaries.Rollback(id, req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (s *Server) listTrafficRules(c *gin.Context) {
	c.JSON(http.StatusOK, s.canaries.Rules())
}
