// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/spinehq/spine/internal/config"
	"github.com/spinehq/spine/internal/defs"
	"github.com/spinehq/spine/internal/dispatch"
	"github.com/spinehq/spine/internal/engine"
	"github.com/spinehq/spine/internal/events"
	"github.com/spinehq/spine/internal/executor"
	"github.com/spinehq/spine/internal/featureflags"
	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/lock"
	"github.com/spinehq/spine/internal/log"
	"github.com/spinehq/spine/internal/metrics"
	"github.com/spinehq/spine/internal/ops"
	"github.com/spinehq/spine/internal/registry"
	"github.com/spinehq/spine/internal/resilience"
	"github.com/spinehq/spine/internal/scheduler"
	"github.com/spinehq/spine/internal/worker"
)

func newServeCmd() *cobra.Command {
	var (
		defsDir     string
		metricsAddr string
		redisAddr   string
		rateLimit   float64
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), serveOptions{
				defsDir:     defsDir,
				metricsAddr: metricsAddr,
				redisAddr:   redisAddr,
				rateLimit:   rateLimit,
			})
		},
	}

	cmd.Flags().StringVar(&defsDir, "defs-dir", "", "directory of workflow definition YAML files")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "listen address for /metrics and /healthz")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address for the multi-process event bus (empty: in-memory)")
	cmd.Flags().Float64Var(&rateLimit, "rate-limit", 0, "ops submissions per second (0: unlimited)")
	return cmd
}

type serveOptions struct {
	defsDir     string
	metricsAddr string
	redisAddr   string
	rateLimit   float64
}

func serve(parent context.Context, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	driver, dsn, err := cfg.Database()
	if err != nil {
		return err
	}

	logger := log.WithComponent(slog.Default(), "spined")
	logger.Info("starting", slog.String("version", version), slog.String("driver", driver))

	db, err := ledger.Open(ctx, driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	store := ledger.NewStore(db)
	schedules := ledger.NewScheduleRepository(db)
	dlq := ledger.NewDeadLetterRepository(db)
	analytics := ledger.NewExecutionRepository(db)
	lockRepo := ledger.NewLockRepository(db)
	rejects := ledger.NewRejectRepository(db)

	var bus events.Bus
	if opts.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		defer client.Close()
		bus = events.NewRedis(client)
	} else {
		bus = events.NewInMemory(0)
	}
	defer bus.Close()

	m := metrics.New()
	if _, err := bus.Subscribe("*", m.ObserveEvent); err != nil {
		return err
	}

	reg := registry.New()
	eng := engine.New(reg, store, bus, dlq)

	library := engine.NewLibrary()
	if opts.defsDir != "" {
		watcher := defs.NewWatcher(opts.defsDir, library)
		if err := watcher.LoadAll(); err != nil {
			return err
		}
		if err := library.Bind(reg, eng); err != nil {
			return err
		}
		go func() {
			if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("definition watcher stopped", log.Error(err))
			}
		}()
	}

	invoker := executor.NewInvoker(store, reg, bus).WithResilience(
		resilience.NewBreakers(resilience.DefaultBreakerConfig()),
		resilience.ExponentialBackoff{Base: time.Second, Multiplier: 2, Max: 3, MaxDelay: 30 * time.Second, Jitter: true})
	pool := executor.NewPool(ctx, invoker, store, cfg.Worker.MaxWorkers)
	dispatcher := dispatch.New(store, reg, pool, bus, dlq).WithRejects(rejects)

	w := worker.New(worker.Config{
		ID:           cfg.Scheduler.InstanceID,
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		MaxWorkers:   cfg.Worker.MaxWorkers,
	}, store, invoker)
	go w.Run(ctx)

	locks := lock.NewManager(lockRepo, cfg.Scheduler.InstanceID, cfg.Scheduler.LockTTL)
	if featureflags.Get().Enabled("force_release_locks") {
		// Recovery after a crashed instance left locks behind.
		if _, err := locks.ForceReleaseAll(ctx); err != nil {
			return err
		}
	}
	go retentionLoop(ctx, cfg, store, dlq, logger)

	guard := resilience.NewConcurrencyGuard(lockRepo)
	go guard.Sweep(ctx, time.Minute)

	sched := scheduler.New(schedules, locks, dispatcher, nil,
		time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	facade := ops.New(dispatcher, sched, store, analytics, schedules, dlq, opts.rateLimit)

	srv := &http.Server{
		Addr:    opts.metricsAddr,
		Handler: newMux(m, facade),
	}
	go func() {
		logger.Info("metrics listening", slog.String("addr", opts.metricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", log.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", log.Error(err))
	}
	pool.Wait()
	return nil
}

// retentionLoop purges aged terminal runs and resolved dead letters once an
// hour.
func retentionLoop(ctx context.Context, cfg *config.Config, store *ledger.Store, dlq *ledger.DeadLetterRepository, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.PurgeTerminalOlderThan(ctx, cfg.Retention.ExecutionDays); err != nil {
				logger.Warn("execution purge failed", log.Error(err))
			} else if n > 0 {
				logger.Info("purged aged executions", slog.Int64("count", n))
			}
			if n, err := store.PurgeEventsOlderThan(ctx, cfg.Retention.EventDays); err != nil {
				logger.Warn("event purge failed", log.Error(err))
			} else if n > 0 {
				logger.Info("purged aged events", slog.Int64("count", n))
			}
			if n, err := dlq.PurgeResolvedOlderThan(ctx, cfg.Retention.DeadLetterDays); err != nil {
				logger.Warn("dead letter purge failed", log.Error(err))
			} else if n > 0 {
				logger.Info("purged resolved dead letters", slog.Int64("count", n))
			}
		}
	}
}

// newMux serves the operational endpoints: Prometheus metrics and a health
// probe backed by the ops facade.
func newMux(m *metrics.Metrics, facade *ops.Facade) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		res := facade.SchedulerHealth(ops.Caller{ID: "healthz"})
		w.Header().Set("Content-Type", "application/json")
		if !res.Success || !res.Data.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(res)
	})
	return mux
}
