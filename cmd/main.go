package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"thermostat_gateway/internal/cloudsync"
	"thermostat_gateway/internal/config"
	"thermostat_gateway/internal/discovery"
	"thermostat_gateway/internal/handlers"
	"thermostat_gateway/internal/logger"
	"thermostat_gateway/internal/metrics"
	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/policy"
	"thermostat_gateway/internal/repository"
	"thermostat_gateway/internal/repository/db"
	"thermostat_gateway/internal/server"
	"thermostat_gateway/internal/service"
	"thermostat_gateway/internal/tstat"
	"thermostat_gateway/internal/weather"
)

// Probes during discovery sweeps get a tighter timeout than status polls;
// almost every address on a sweep is a miss.
const discoveryProbeTimeout = 3 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}
	log := logger.Get(cfg.Logging.Level)

	sqlDB, err := openDB(cfg, log)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()

	app := wire(cfg, sqlDB, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Discovery first: the poller needs devices before it is worth running.
	app.startup(ctx)

	srv := &server.Server{}
	runHTTPServer(srv, cfg, app.handler, log)

	waitForShutdown(cancel, srv, app, log)
}

// app holds the wired subsystems so startup and shutdown can reach them.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	repos     *repository.Repository
	engine    *discovery.Engine
	registrar *discovery.Registrar
	services  *service.Service
	handler   *handlers.Handler
	uploads   *cloudsync.Uploads
	sync      *cloudsync.SyncEngine
	loopsOnce sync.Once
	wg        sync.WaitGroup
	loopCtx   context.Context
}

func wire(cfg *config.Config, sqlDB *sql.DB, log *logger.Logger) *app {
	repos := repository.NewRepository(sqlDB)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	pollClient := tstat.New(cfg.Network.RequestTimeout, log)
	probeClient := tstat.New(discoveryProbeTimeout, log)

	weatherSvc := weather.New(cfg.Weather.APIKey, cfg.Weather.ZipCode,
		cfg.Weather.UpdateIntervalMinutes, cfg.Weather.FallbackTemp, log)

	pol := policy.NewConfigPolicy(pollClient, repos.Configs, log)

	scanner := discovery.NewScanner(probeClient, cfg.Network.DiscoveryTimeout,
		cfg.Polling.MaxConcurrentRequests, log)
	engine := discovery.NewEngine(scanner, probeClient, repos.Devices,
		cfg.Polling.MaxConcurrentRequests, log)

	var (
		cloudClient *cloudsync.Client
		announcer   discovery.CloudAnnouncer
		enqueuer    service.Enqueuer
		syncRep     handlers.SyncReporter
		uploads     *cloudsync.Uploads
		syncEngine  *cloudsync.SyncEngine
		discoActive func() bool
	)

	if cfg.PublicServer.Enabled {
		cloudClient = cloudsync.NewClient(cfg.PublicServer.BaseURL, cfg.Site.SiteID,
			cfg.PublicServer.SiteToken, cfg.PublicServer.RequestTimeout,
			cfg.PublicServer.RetryAttempts, cfg.PublicServer.RetryDelay, log)
		announcer = cloudClient

		uploads = cloudsync.NewUploads(cloudClient, repos.Readings, repos.Checkpoints,
			cfg.ImmediateUpload.BatchSize, cfg.ImmediateUpload.BatchTimeout,
			cfg.ImmediateUpload.RetryAttempts, cfg.PublicServer.MaxBatchSize, m, log)
		enqueuer = uploads
	}

	registrar := discovery.NewRegistrar(repos.Devices, pol, announcer, log)

	if cloudClient != nil {
		executor := cloudsync.NewCommandExecutor(repos.Devices, repos.Configs, pollClient, log)
		discoHandler := cloudsync.NewDiscoveryCommandHandler(engine, registrar,
			repos.Devices, cloudClient, cfg.Network.IPRanges, log)
		discoActive = discoHandler.Active

		syncEngine = cloudsync.NewSyncEngine(cloudClient, executor, discoHandler, uploads, m, log)
		syncRep = syncEngine
	}

	services := service.NewService(service.Deps{
		Repos:    repos,
		Client:   pollClient,
		Policy:   pol,
		Weather:  weatherSvc,
		Metrics:  m,
		Enqueuer: enqueuer,
		Health:   service.HealthSources{DiscoveryActive: discoActive},
		Cfg:      cfg,
		Log:      log,
	})

	apiHandler := handlers.NewHandler(services, weatherSvc, syncRep, reg, log)

	return &app{
		cfg:       cfg,
		log:       log,
		repos:     repos,
		engine:    engine,
		registrar: registrar,
		services:  services,
		handler:   apiHandler,
		uploads:   uploads,
		sync:      syncEngine,
	}
}

// startup runs the discovery convergence: the cheap phases first, and the
// full sweep only when they found nothing. In that case normal operations
// begin at the first sweep batch that finds a device instead of waiting for
// the whole subnet.
func (a *app) startup(ctx context.Context) {
	a.loopCtx = ctx

	devices, needSweep := a.engine.CombinedStartup(ctx)
	if !needSweep {
		a.log.Infow("startup discovery found devices", "count", len(devices))
		a.registrar.Register(ctx, devices, policy.ApplyStartup)
		a.startLoops()
		if a.cfg.Network.EnableBackgroundTCPDiscovery {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.backgroundSweep(ctx)
			}()
		}
		return
	}

	a.log.Infow("startup discovery found nothing, sweeping address ranges")
	started := false
	a.engine.ScanRanges(ctx, a.cfg.Network.IPRanges, func(batch []models.Thermostat, scanned, total int) {
		if len(batch) == 0 {
			return
		}
		a.engine.Remember(batch)
		if !started {
			started = true
			a.registrar.Register(ctx, batch, policy.ApplyStartup)
			a.startLoops()
			return
		}
		go a.registrar.Register(ctx, batch, policy.ApplyStartup)
	})

	if !started {
		a.log.Warnw("no devices found anywhere, starting loops for later discovery")
		a.startLoops()
	}
}

// backgroundSweep registers sweep finds the cheap phases missed.
func (a *app) backgroundSweep(ctx context.Context) {
	a.engine.ScanRanges(ctx, a.cfg.Network.IPRanges, func(batch []models.Thermostat, scanned, total int) {
		fresh := a.filterUnknown(batch)
		if len(fresh) == 0 {
			return
		}
		a.engine.Remember(fresh)
		go a.registrar.Register(ctx, fresh, policy.ApplyStartup)
	})
}

func (a *app) filterUnknown(batch []models.Thermostat) []models.Thermostat {
	var fresh []models.Thermostat
	for _, d := range batch {
		if !a.engine.IsKnown(d.ThermostatID) {
			fresh = append(fresh, d)
		}
	}
	return fresh
}

// startLoops launches the background services exactly once.
func (a *app) startLoops() {
	a.loopsOnce.Do(func() {
		ctx := a.loopCtx
		run := func(f func(context.Context)) {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				f(ctx)
			}()
		}

		run(a.services.Poller.Run)
		run(a.services.Rollup.Run)
		run(a.services.Monitor.Run)
		run(a.rediscoveryLoop)

		if a.sync != nil {
			run(a.uploads.RunImmediate)
			run(func(ctx context.Context) {
				a.uploads.RunFallback(ctx, a.cfg.PublicServer.StatusUploadEvery)
			})
			run(func(ctx context.Context) {
				a.uploads.RunMinute(ctx, a.cfg.PublicServer.MinuteUploadEvery)
			})
			run(func(ctx context.Context) {
				a.sync.RunCommandPoll(ctx, a.cfg.PublicServer.CommandPollEvery)
			})
			run(a.sync.RunAckFlush)
		}

		a.log.Infow("background services started")
	})
}

// rediscoveryLoop reruns the cheap discovery phases on the configured cadence
// so devices that moved addresses or just arrived get picked up. The sweep
// phase joins in only when explicitly enabled; it is expensive.
func (a *app) rediscoveryLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.Network.ScanIntervalMinutes) * time.Minute
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			found, _ := a.engine.CombinedStartup(ctx)
			if fresh := a.freshToStore(ctx, found); len(fresh) > 0 {
				a.registrar.Register(ctx, fresh, policy.ApplyPeriodic)
			}
			if a.cfg.Network.EnablePeriodicTCPScan {
				a.backgroundSweep(ctx)
			}
		}
	}
}

// freshToStore keeps only devices the registry has never recorded.
func (a *app) freshToStore(ctx context.Context, found []models.Thermostat) []models.Thermostat {
	var fresh []models.Thermostat
	for _, d := range found {
		existing, err := a.repos.Devices.GetByID(ctx, d.ThermostatID)
		if err != nil {
			a.log.Errorw("rediscovery lookup failed", "thermostat_id", d.ThermostatID, "err", err)
			continue
		}
		if existing == nil {
			fresh = append(fresh, d)
		}
	}
	return fresh
}

func openDB(cfg *config.Config, log *logger.Logger) (*sql.DB, error) {
	log.Infow("opening state store", "path", cfg.DB.Path)
	return db.InitDB(cfg.DB.Path)
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, cfg *config.Config, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if err := srv.Run(cfg.API.Host, cfg.API.Port, handler.InitRoutes()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals and performs graceful shutdown.
func waitForShutdown(cancel context.CancelFunc, srv *server.Server, a *app, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down...")

	// stop background goroutines; the ack flusher drains on its way out
	cancel()
	a.wg.Wait()

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalw("server forced to shutdown", "err", err)
	}
}
