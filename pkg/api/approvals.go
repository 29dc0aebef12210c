package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type approvalView struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	RiskLevel string `json:"risk_level"`
	CreatedAt string `json:"created_at"`
	Deadline  string `json:"deadline"`
}

func (s *Server) listApprovals(c *gin.Context) {
	pending := s.gate.Pending()
	out := make([]approvalView, 0, len(pending))
	for _, req := range pending {
		out = append(out, approvalView{
			ID:        req.ID,
			Subject:   req.Subject,
			RiskLevel: string(req.RiskLevel),
			CreatedAt: req.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			Deadline:  req.Deadline.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	c.JSON(http.StatusOK, out)
}

type resolveApprovalRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) approve(c *gin.Context) {
	var req resolveApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.gate.Approve(c.Param("id"), req.Actor); err != nil {
		status := http.StatusNotFound
		if !strings.Contains(err.Error(), "no pending") {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

func (s *Server) reject(c *gin.Context) {
	var req resolveApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.gate.Reject(c.Param("id"), req.Actor, req.Reason); err != nil {
		status := http.StatusNotFound
		if !strings.Contains(err.Error(), "no pending") {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}
