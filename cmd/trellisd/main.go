// Command trellisd runs the engine daemon: it connects to PostgreSQL,
// applies migrations, starts the background sweeps, and serves operational
// endpoints. Graphs are registered by the embedding application; running the
// bare daemon keeps existing executions moving (sweeps, recovery, schedules).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trellisengine/trellis/domain/graph"
	"github.com/trellisengine/trellis/engine"
	"github.com/trellisengine/trellis/engine/sweep"
	"github.com/trellisengine/trellis/internal/platform/database"
	"github.com/trellisengine/trellis/internal/platform/migrations"
	"github.com/trellisengine/trellis/pkg/config"
	"github.com/trellisengine/trellis/pkg/logger"
	"github.com/trellisengine/trellis/pkg/metrics"
	"github.com/trellisengine/trellis/pkg/storage/postgres"
)

func main() {
	dsnFlag := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env)")
	configPath := flag.String("config", "", "path to configuration file (YAML or JSON)")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		cfg, err = config.LoadFile(trimmed)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)

	dsn := cfg.Database.ConnectionString()
	if strings.TrimSpace(*dsnFlag) != "" {
		dsn = *dsnFlag
	}

	rootCtx := context.Background()
	db, err := database.Open(rootCtx, dsn, database.Pool{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		log.WithError(err).Fatal("connect to postgres")
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.WithError(err).Fatal("apply migrations")
		}
		log.Info("database migrations applied")
	}

	store := postgres.New(db)
	catalog := graph.NewCatalog()
	eng := engine.New(store, catalog, log,
		engine.WithMaxConcurrentComputations(cfg.Engine.MaxConcurrentComputations),
		engine.WithGetPollInterval(cfg.Engine.GetPollInterval()),
	)

	runner := sweep.NewRunner(eng, store, log, sweepOptions(cfg.Sweeps))
	if err := runner.Start(rootCtx); err != nil {
		log.WithError(err).Fatal("start sweep runner")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.WithField("addr", addr).Info("operational endpoints listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
	defer cancel()
	if err := runner.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop sweep runner")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop http server")
	}
	eng.Wait()
}

func sweepOptions(cfg config.SweepsConfig) sweep.Options {
	opts := sweep.DefaultOptions()
	apply := func(dst *sweep.Settings, src config.SweepConfig) {
		dst.Enabled = src.Enabled
		if src.PeriodSeconds > 0 {
			dst.Period = src.Period()
		}
		if src.MinIntervalSeconds > 0 {
			dst.MinInterval = src.MinInterval()
		}
	}
	apply(&opts.Abandoned, cfg.Abandoned)
	apply(&opts.ScheduleNodes, cfg.ScheduleNodes)
	apply(&opts.UnblockedBySchedule, cfg.UnblockedBySchedule)
	apply(&opts.RegenerateRecurring, cfg.RegenerateRecurring)
	apply(&opts.MissedCatchall, cfg.MissedCatchall)
	apply(&opts.Stalled, cfg.StalledExecutions)
	if cfg.CatchallLookbackDays > 0 {
		opts.CatchallLookback = time.Duration(cfg.CatchallLookbackDays) * 24 * time.Hour
	}
	if cfg.CatchallUTCHour >= 0 && cfg.CatchallUTCHour <= 23 {
		opts.CatchallUTCHour = cfg.CatchallUTCHour
	}
	return opts
}
