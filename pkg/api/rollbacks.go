package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeops/helmsman/pkg/rollback"
	"github.com/tradeops/helmsman/pkg/types"
)

type rollbackTargetRequest struct {
	DeploymentID   string              `json:"deployment_id" binding:"required"`
	StrategyID     string              `json:"strategy_id" binding:"required"`
	CurrentVersion string              `json:"current_version"`
	TargetVersion  string              `json:"target_version" binding:"required"`
	Environment    string              `json:"environment" binding:"required"`
	Dependencies   []dependencyRequest `json:"dependencies"`
}

func (r rollbackTargetRequest) toTarget() *types.RollbackTarget {
	target := &types.RollbackTarget{
		DeploymentID:   r.DeploymentID,
		StrategyID:     r.StrategyID,
		CurrentVersion: r.CurrentVersion,
		TargetVersion:  r.TargetVersion,
		Environment:    types.EnvironmentKind(r.Environment),
	}
	for _, dep := range r.Dependencies {
		target.Dependencies = append(target.Dependencies, dep.toType())
	}
	return target
}

func (s *Server) simulateRollback(c *gin.Context) {
	var req rollbackTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sim, err := s.engine.SimulateRollback(req.toTarget())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": sim.Plan, "narrative": sim.Narrative})
}

// executeRollback starts the recovery asynchronously: high-risk plans can
// wait minutes on operator approval, so the caller polls the approval
// queue and rollback history instead of holding the request open.
func (s *Server) executeRollback(c *gin.Context) {
	var req rollbackTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target := req.toTarget()

	if _, err := s.store.GetSnapshot(target.DeploymentID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	go func() {
		if _, err := s.engine.ExecuteRollback(context.Background(), target); err != nil {
			s.logger.Error().Err(err).Str("deployment_id", target.DeploymentID).Msg("rollback execution failed")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"deployment_id": target.DeploymentID,
		"risk_level":    string(rollback.AssessRisk(target)),
	})
}

func (s *Server) rollbackHistory(c *gin.Context) {
	results, err := s.engine.History()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, results)
}

type createSnapshotRequest struct {
	DeploymentID string `json:"deployment_id" binding:"required"`
	StrategyID   string `json:"strategy_id" binding:"required"`
}

func (s *Server) createSnapshot(c *gin.Context) {
	var req createSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snapshot, err := s.engine.CreateSnapshot(c.Request.Context(), req.DeploymentID, req.StrategyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

func (s *Server) listSnapshots(c *gin.Context) {
	snapshots, err := s.store.ListSnapshots()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshots)
}

func (s *Server) getSnapshot(c *gin.Context) {
	snapshot, err := s.store.GetSnapshot(c.Param("deployment_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type recordTransactionRequest struct {
	Kind        string            `json:"kind" binding:"required"`
	Reversible  bool              `json:"reversible"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) recordTransaction(c *gin.Context) {
	var req recordTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record := &types.TransactionRecord{
		Kind:        req.Kind,
		Reversible:  req.Reversible,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	if err := s.engine.RecordTransaction(record); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (s *Server) listTransactions(c *gin.Context) {
	records, err := s.store.ListTransactions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}
