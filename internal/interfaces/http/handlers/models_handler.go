package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaymux/relaymux/internal/infrastructure/persistence"
)

// ModelsHandler serves the model catalog and health probe.
type ModelsHandler struct {
	store   *persistence.Store
	logger  *zap.Logger
	version string
}

func NewModelsHandler(store *persistence.Store, logger *zap.Logger, version string) *ModelsHandler {
	return &ModelsHandler{store: store, logger: logger, version: version}
}

// Health handles GET /health.
func (h *ModelsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": h.version,
	})
}

// ListModels handles GET /v1/models: the distinct public model names of
// enabled channels, in the OpenAI list shape.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	names, err := h.store.PublicModelNames(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	data := make([]gin.H, 0, len(names))
	for _, name := range names {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"owned_by": "relaymux",
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}
