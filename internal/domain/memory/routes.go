package memory

import "github.com/gin-gonic/gin"

// RegisterInternalRoutes registers the bot upload endpoint. The group must
// be protected by the internal token middleware.
func (h *Handler) RegisterInternalRoutes(rg *gin.RouterGroup) {
	rg.POST("/memories", h.Create)
}

// RegisterRoutes registers the browsing endpoints under a JWT protected group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	memories := rg.Group("/memories")
	{
		memories.GET("", h.List)
		memories.GET("/:id", h.Get)
		memories.DELETE("/:id", h.Delete)
	}
	rg.GET("/stats", h.Stats)
}
