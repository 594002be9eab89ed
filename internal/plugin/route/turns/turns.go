// Package turns exposes the conversation ingest and context assembly
// endpoints.
package turns

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/model"
	"github.com/chirino/context-engine/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the turn and context endpoints on the given router.
func MountRoutes(r *gin.Engine, orch *orchestrator.Orchestrator) {
	g := r.Group("/v1")
	g.POST("/turns", func(c *gin.Context) { postTurn(c, orch) })
	g.POST("/context", func(c *gin.Context) { postContext(c, orch) })
}

type postTurnRequest struct {
	Role       string         `json:"role" binding:"required"`
	Text       string         `json:"text" binding:"required"`
	Importance *float64       `json:"importance"`
	Attributes map[string]any `json:"attributes"`
}

func postTurn(c *gin.Context, orch *orchestrator.Orchestrator) {
	var req postTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	importance := 0.5
	if req.Importance != nil {
		importance = *req.Importance
	}
	attrs, err := model.NormalizeAttributes(req.Attributes)
	if err != nil {
		handleError(c, err)
		return
	}
	t, err := orch.IngestTurn(c.Request.Context(), model.Role(req.Role), req.Text, importance, attrs)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

type postContextRequest struct {
	Query     string `json:"query" binding:"required"`
	MaxTokens int    `json:"maxTokens"`
}

func postContext(c *gin.Context, orch *orchestrator.Orchestrator) {
	var req postContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	assembled, err := orch.AssembleContext(c.Request.Context(), req.Query, req.MaxTokens)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, assembled)
}

func handleError(c *gin.Context, err error) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": verr.Error()})
		return
	}
	log.Error("turns route error", "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal server error"})
}
