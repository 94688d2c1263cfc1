package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Common response/status constants to avoid magic strings and typos.
const (
	statusOK           = "ok"
	statusApplied      = "applied"
	errListThermostats = "failed to list thermostats"
	errGetStatus       = "failed to load status"
	errNoStatus        = "no status for thermostat"
	errInvalidBodyPref = "invalid body: "
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

type temperatureRequest struct {
	THeat float64 `json:"t_heat" binding:"required"`
	Hold  *int    `json:"hold" binding:"required"`
}

type modeRequest struct {
	TMode *int `json:"tmode" binding:"required"` // 0 = off, 1 = heat
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

func (h *Handler) listThermostats(c *gin.Context) {
	devices, err := h.services.Status.ListThermostats(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errListThermostats, "list_thermostats_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thermostats": devices, "count": len(devices)})
}

func (h *Handler) getStatus(c *gin.Context) {
	id := c.Param("id")
	reading, err := h.services.Status.GetReading(c.Request.Context(), id)
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errGetStatus, "get_status_failed", err, "thermostat_id", id)
		return
	}
	if reading == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errNoStatus})
		return
	}
	c.JSON(http.StatusOK, reading)
}

func (h *Handler) setTemperature(c *gin.Context) {
	var req temperatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.services.Control.SetTemperature(c.Request.Context(), id, req.THeat, *req.Hold); err != nil {
		if h.log != nil {
			h.log.Errorw("set_temperature_failed", "err", err, "thermostat_id", id)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusApplied, "t_heat": req.THeat})
}

func (h *Handler) setMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.services.Control.SetMode(c.Request.Context(), id, *req.TMode); err != nil {
		if h.log != nil {
			h.log.Errorw("set_mode_failed", "err", err, "thermostat_id", id, "tmode", *req.TMode)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusApplied, "tmode": *req.TMode})
}
