package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/upmon/upmon/internal/api"
	"github.com/upmon/upmon/internal/buildinfo"
	"github.com/upmon/upmon/internal/config"
	"github.com/upmon/upmon/internal/geoip"
	"github.com/upmon/upmon/internal/probe"
	"github.com/upmon/upmon/internal/scheduler"
	"github.com/upmon/upmon/internal/seed"
	"github.com/upmon/upmon/internal/service"
	"github.com/upmon/upmon/internal/store"
	"github.com/upmon/upmon/internal/telemetry"
)

type upmonApp struct {
	envCfg *config.EnvConfig
	db     *sql.DB
	geoSvc *geoip.Service
	sched  *scheduler.Scheduler
	cp     *service.ControlPlane
	apiSrv *api.Server
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if config.IsWeakToken(envCfg.AdminToken) {
		log.Printf("[config] warning: UPMON_ADMIN_TOKEN is weak, consider a stronger token")
	}
	if envCfg.AdminToken == "" {
		log.Printf("[config] warning: UPMON_ADMIN_TOKEN is empty, API auth is effectively disabled")
	}

	if err := os.MkdirAll(envCfg.StateDir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	db, err := store.Bootstrap(envCfg.DBPath())
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Println("Persistence bootstrap complete")

	app, err := newUpmonApp(envCfg, db)
	if err != nil {
		_ = db.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), envCfg.ShutdownGrace)
	defer cancel()
	app.shutdown(ctx)

	if err := db.Close(); err != nil {
		log.Printf("Persistence close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newUpmonApp(envCfg *config.EnvConfig, db *sql.DB) (*upmonApp, error) {
	app := &upmonApp{envCfg: envCfg, db: db}

	nodes := store.NewNodeStore(db)
	samples := store.NewSampleStore(db)

	if envCfg.GeoIPDBPath != "" {
		app.geoSvc = geoip.NewService(envCfg.GeoIPDBPath, envCfg.GeoIPReloadSchedule)
	}

	app.sched = scheduler.New(scheduler.Config{
		Nodes:       nodes,
		Samples:     samples,
		Concurrency: envCfg.ProbeConcurrency,
	})

	app.cp = &service.ControlPlane{
		Nodes:     nodes,
		Samples:   samples,
		Scheduler: app.sched,
		Telemetry: telemetry.NewAggregator(nodes, samples, nil),
		Executor:  probe.NewExecutor(),
		GeoIP:     app.geoSvc,
		Info: service.SystemInfo{
			Version:   buildinfo.Version,
			GitCommit: buildinfo.GitCommit,
			BuildTime: buildinfo.BuildTime,
			StartedAt: time.Now().UTC(),
		},
	}

	if envCfg.SeedFile != "" {
		if err := seed.Import(envCfg.SeedFile, app.cp); err != nil {
			return nil, err
		}
	}
	if err := app.sched.Boot(); err != nil {
		return nil, fmt.Errorf("scheduler boot: %w", err)
	}
	log.Printf("Scheduler booted with %d timers", app.sched.TimerCount())

	if app.geoSvc != nil {
		app.geoSvc.Start()
	}

	app.apiSrv = api.NewServerWithAddress(
		envCfg.ListenAddress,
		envCfg.Port,
		envCfg.AdminToken,
		app.cp,
		int64(envCfg.APIMaxBodyBytes),
	)
	return app, nil
}

func (a *upmonApp) startServers() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("upmon API server starting on %s:%d", a.envCfg.ListenAddress, a.envCfg.Port)
		if err := a.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		return err
	}
}

// shutdown order: stop accepting requests, then stop probing, then the
// GeoIP reloader. In-flight probes finish before the scheduler returns.
func (a *upmonApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}
	a.sched.Stop()
	if a.geoSvc != nil {
		a.geoSvc.Stop()
	}
	log.Println("Server stopped")
}
