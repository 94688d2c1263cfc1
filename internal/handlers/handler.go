package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"thermostat_gateway/internal/cloudsync"
	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/service"
	"thermostat_gateway/internal/weather"
)

// SyncReporter exposes cloud sync state to the API. Nil when the public
// server is disabled.
type SyncReporter interface {
	Status() cloudsync.SyncStatus
}

// WeatherReporter exposes the weather oracle's snapshot.
type WeatherReporter interface {
	GetStatus() weather.Status
}

// Handler wires the HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	weather  WeatherReporter
	sync     SyncReporter
	gatherer prometheus.Gatherer
	log      *logger.Logger
}

// NewHandler constructs the HTTP handler. sync may be nil.
func NewHandler(services *service.Service, w WeatherReporter, sync SyncReporter,
	gatherer prometheus.Gatherer, log *logger.Logger) *Handler {
	return &Handler{services: services, weather: w, sync: sync, gatherer: gatherer, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", h.health)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	{
		h.registerThermostatRoutes(api)
		h.registerSystemRoutes(api)
	}

	// Live status stream over the same port
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerThermostatRoutes(api *gin.RouterGroup) {
	tstats := api.Group("/thermostats")
	{
		tstats.GET("", h.listThermostats)
		tstats.GET("/:id/status", h.getStatus)
		// Body example: {"t_heat":68.0,"hold":1}
		tstats.POST("/:id/temperature", h.setTemperature)
		// Body example: {"tmode":1}
		tstats.POST("/:id/mode", h.setMode)
	}
}

func (h *Handler) registerSystemRoutes(api *gin.RouterGroup) {
	api.GET("/system/sync-status", h.syncStatus)
	api.GET("/weather/status", h.weatherStatus)
}
