package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hotrank/internal/config"
	"hotrank/internal/coordinator"
	"hotrank/internal/db"
	"hotrank/internal/logging"
	"hotrank/internal/scheduler"
	"hotrank/internal/scoring"
	"hotrank/internal/service"
	"hotrank/internal/store"
	"hotrank/internal/worker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, created, err := config.LoadOrInit(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Created default config at %s. Review it, then rerun.\n", configPath)
		os.Exit(0)
	}

	log := logging.New(cfg.LogLevel)

	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	st := store.New(database)

	engine, err := scoring.NewEngine(st, cfg.Scoring, log)
	if err != nil {
		log.Error("init scoring engine", "error", err)
		os.Exit(1)
	}

	pool, err := worker.NewPool(cfg.WorkerConfig(), log)
	if err != nil {
		log.Error("init worker pool", "error", err)
		os.Exit(1)
	}
	worker.RegisterScoreHandler(pool, engine)

	coord, err := coordinator.New(engine, st, cfg.CoordinatorConfig(), log)
	if err != nil {
		log.Error("init coordinator", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(engine, st, cfg.SchedulerConfig(), log)
	if err != nil {
		log.Error("init scheduler", "error", err)
		os.Exit(1)
	}

	svc := service.New(engine, coord, sched, pool, log)

	if cfg.Worker.Enabled {
		if err := pool.Start(); err != nil {
			log.Error("start worker pool", "error", err)
			os.Exit(1)
		}
		if cfg.Worker.OffloadUpdates {
			coord.SetExecutor(worker.NewScoreExecutor(pool))
		}
	}
	if cfg.Scheduler.Enabled {
		if err := sched.Start(); err != nil {
			log.Error("start scheduler", "error", err)
			os.Exit(1)
		}
	}

	log.Info("hotrank started", "database", cfg.DatabasePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	processed, failed := svc.ProcessAllPending(drainCtx)
	log.Info("drained pending triggers", "processed", processed, "failed", failed)
	coord.Reset()
	if sched.Running() {
		_ = sched.Stop()
	}
	pool.Stop()
}
