// Package knowledge exposes the document ingest and search endpoints.
package knowledge

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/context-engine/internal/model"
	"github.com/chirino/context-engine/internal/orchestrator"
	"github.com/chirino/context-engine/internal/tier/retrieval"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the knowledge endpoints on the given router.
func MountRoutes(r *gin.Engine, orch *orchestrator.Orchestrator, index *retrieval.Index) {
	g := r.Group("/v1")
	g.POST("/documents", func(c *gin.Context) { postDocuments(c, orch) })
	g.POST("/search", func(c *gin.Context) { postSearch(c, index) })
}

type documentRequest struct {
	Text     string         `json:"text" binding:"required"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata"`
}

type postDocumentsRequest struct {
	Documents []documentRequest `json:"documents" binding:"required"`
}

func postDocuments(c *gin.Context, orch *orchestrator.Orchestrator) {
	var req postDocumentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	docs := make([]*model.Document, len(req.Documents))
	for i, d := range req.Documents {
		attrs, err := model.NormalizeAttributes(d.Metadata)
		if err != nil {
			handleError(c, err)
			return
		}
		docs[i] = &model.Document{Text: d.Text, Source: d.Source, Metadata: attrs}
	}
	if err := orch.IngestDocument(c.Request.Context(), docs); err != nil {
		handleError(c, err)
		return
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	c.JSON(http.StatusCreated, gin.H{"ids": ids})
}

type postSearchRequest struct {
	Query    string         `json:"query" binding:"required"`
	TopK     int            `json:"topK"`
	Strategy string         `json:"strategy"`
	Filters  map[string]any `json:"filters"`
}

func postSearch(c *gin.Context, index *retrieval.Index) {
	var req postSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	results, err := index.Search(c.Request.Context(), req.Query, req.TopK, retrieval.Strategy(req.Strategy), req.Filters)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func handleError(c *gin.Context, err error) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_input", "error": verr.Error()})
		return
	}
	log.Error("knowledge route error", "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal server error"})
}
