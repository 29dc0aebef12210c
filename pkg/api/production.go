package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradeops/helmsman/pkg/types"
)

type dependencyRequest struct {
	Name             string `json:"name" binding:"required"`
	Type             string `json:"type" binding:"required"`
	CurrentVersion   string `json:"current_version"`
	TargetVersion    string `json:"target_version"`
	RollbackRequired bool   `json:"rollback_required"`
	Verified         bool   `json:"verified"`
}

func (d dependencyRequest) toType() *types.Dependency {
	return &types.Dependency{
		Name:             d.Name,
		Type:             types.DependencyType(d.Type),
		CurrentVersion:   d.CurrentVersion,
		TargetVersion:    d.TargetVersion,
		RollbackRequired: d.RollbackRequired,
		Verified:         d.Verified,
	}
}

type validationReportRequest struct {
	Baseline struct {
		LatencyP50Ms float64 `json:"latency_p50_ms"`
		LatencyP99Ms float64 `json:"latency_p99_ms"`
		ErrorRate    float64 `json:"error_rate"`
		Throughput   float64 `json:"throughput"`
	} `json:"baseline"`
	CPUCores     float64             `json:"cpu_cores"`
	MemoryMB     int64               `json:"memory_mb"`
	Dependencies []dependencyRequest `json:"dependencies"`
	SecurityScan struct {
		Passed          bool `json:"passed"`
		Vulnerabilities int  `json:"vulnerabilities"`
	} `json:"security_scan"`
}

type promoteProductionRequest struct {
	StrategyID      string                   `json:"strategy_id" binding:"required"`
	Version         string                   `json:"version" binding:"required"`
	Approvals       []string                 `json:"approvals"`
	CutoverDuration string                   `json:"cutover_duration"`
	Report          *validationReportRequest `json:"report" binding:"required"`
}

func (s *Server) productionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"blue":  s.promoter.Environment(types.EnvironmentBlue),
		"green": s.promoter.Environment(types.EnvironmentGreen),
	})
}

func (s *Server) promoteProduction(c *gin.Context) {
	var req promoteProductionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	promotion := &types.PromotionRequest{
		StrategyID: req.StrategyID,
		Version:    req.Version,
		Approvals:  req.Approvals,
		Report: &types.ValidationReport{
			Baseline: &types.PerformanceBaseline{
				LatencyP50Ms: req.Report.Baseline.LatencyP50Ms,
				LatencyP99Ms: req.Report.Baseline.LatencyP99Ms,
				ErrorRate:    req.Report.Baseline.ErrorRate,
				Throughput:   req.Report.Baseline.Throughput,
			},
			CPUCores: req.Report.CPUCores,
			MemoryMB: req.Report.MemoryMB,
			SecurityScan: &types.SecurityScan{
				Passed:          req.Report.SecurityScan.Passed,
				Vulnerabilities: req.Report.SecurityScan.Vulnerabilities,
			},
		},
	}
	for _, dep := range req.Report.Dependencies {
		promotion.Report.Dependencies = append(promotion.Report.Dependencies, dep.toType())
	}
	if req.CutoverDuration != "" {
		d, err := time.ParseDuration(req.CutoverDuration)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cutover_duration: " + err.Error()})
			return
		}
		promotion.CutoverDuration = d
	}

	record, err := s.promoter.PromoteToProduction(c.Request.Context(), promotion)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case strings.Contains(err.Error(), "in progress"):
			status = http.StatusConflict
		case record != nil:
			// Validation passed but a later stage failed
			status = http.StatusInternalServerError
		}
		body := gin.H{"error": err.Error()}
		if record != nil {
			body["record"] = record
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, record)
}

type rollbackProductionRequest struct {
	Version string `json:"version" binding:"required"`
}

func (s *Server) rollbackProduction(c *gin.Context) {
	var req rollbackProductionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := s.promoter.RollbackProduction(c.Request.Context(), req.Version)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case strings.Contains(err.Error(), "in progress"):
			status = http.StatusConflict
		case record != nil:
			status = http.StatusInternalServerError
		}
		body := gin.H{"error": err.Error()}
		if record != nil {
			body["record"] = record
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) promotionHistory(c *gin.Context) {
	records, err := s.store.ListPromotions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}
