// Package admin exposes operational endpoints: statistics, preferences,
// and full-state snapshots.
package admin

import (
	"errors"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/model"
	"github.com/chirino/context-engine/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the admin endpoints on the given router.
func MountRoutes(r *gin.Engine, orch *orchestrator.Orchestrator) {
	g := r.Group("/v1")
	g.GET("/stats", func(c *gin.Context) { getStats(c, orch) })
	g.PUT("/preferences/:key", func(c *gin.Context) { putPreference(c, orch) })
	g.GET("/snapshot", func(c *gin.Context) { getSnapshot(c, orch) })
	g.POST("/snapshot", func(c *gin.Context) { postSnapshot(c, orch) })
}

func getStats(c *gin.Context, orch *orchestrator.Orchestrator) {
	c.JSON(http.StatusOK, orch.Stats())
}

type putPreferenceRequest struct {
	Value      string   `json:"value" binding:"required"`
	Confidence *float64 `json:"confidence"`
}

func putPreference(c *gin.Context, orch *orchestrator.Orchestrator) {
	var req putPreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	p, err := orch.SetPreference(c.Request.Context(), c.Param("key"), req.Value, confidence)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func getSnapshot(c *gin.Context, orch *orchestrator.Orchestrator) {
	data, err := orch.ExportSnapshot()
	if err != nil {
		handleError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func postSnapshot(c *gin.Context, orch *orchestrator.Orchestrator) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	if err := orch.ImportSnapshot(data); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restored"})
}

func handleError(c *gin.Context, err error) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": verr.Error()})
		return
	}
	log.Error("admin route error", "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal server error"})
}
