package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"bgflow/internal/api"
	"bgflow/internal/config"
	"bgflow/internal/eventbus"
	"bgflow/internal/gitops"
	"bgflow/internal/metrics"
	"bgflow/internal/orchestrator"
	"bgflow/internal/recovery"
	"bgflow/internal/sched"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file path")
		debug      = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if level, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Server.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := metrics.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	rec := metrics.NewSQLiteRecorder(db)

	tasks := sched.New(cfg.Scheduler.MaxConcurrentTasks, cfg.Scheduler.Tick, rec)
	events := eventbus.New(cfg.Events.HistoryLimit, rec)
	recov := recovery.New()

	var git *gitops.Client
	if len(cfg.Repos) > 0 {
		git = gitops.New(cfg.Repos, gitops.StaticCredentials{})
	}
	recovery.RegisterBuiltins(recov, git)

	orch := orchestrator.New(tasks, events, recov, git, rec, orchestrator.Config{
		DependencyPoll:   cfg.Processes.DependencyPoll,
		DependencyWait:   cfg.Processes.DependencyWait,
		ScheduleInterval: cfg.Processes.ScheduleInterval,
	})
	orch.SetHealthInterval(cfg.Recovery.HealthCheckInterval)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := orch.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("orchestrator")
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServerWithDebug(tasks, events, recov, orch, *debug),
	}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
