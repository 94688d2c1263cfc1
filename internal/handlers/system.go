package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) syncStatus(c *gin.Context) {
	if h.sync == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, h.sync.Status())
}

func (h *Handler) weatherStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.weather.GetStatus())
}
