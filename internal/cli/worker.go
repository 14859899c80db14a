package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/procedure-engine/procedure"
	"github.com/PipeOpsHQ/procedure-engine/runtime/cron"
	"github.com/PipeOpsHQ/procedure-engine/runtime/distributed"
)

const shutdownTimeout = 10 * time.Second

// runWorker serves continuations from the redis queue until ctx ends.
func runWorker(ctx context.Context, args []string, stdout io.Writer) error {
	flags, _ := parseArgs(args)
	capacity, err := flags.int("capacity", 1)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg, redisQueue)
	if err != nil {
		return err
	}
	defer rt.Close()

	w, err := rt.newWorker(distributed.WorkerConfig{WorkerID: flags.string("id", ""), Capacity: capacity})
	if err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		srv := metricsServer(rt, cfg.MetricsAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("metrics server stopped", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	fmt.Fprintf(stdout, "worker started (capacity %d)\n", capacity)
	if path := flags.string("schedules", ""); path != "" {
		scheduler, err := startSchedules(rt, path)
		if err != nil {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return errors.Join(err, w.Stop(stopCtx))
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			scheduler.Stop(stopCtx)
		}()
		fmt.Fprintf(stdout, "%d schedule(s) loaded\n", len(scheduler.List()))
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return w.Stop(stopCtx)
}

func metricsServer(rt *runtimeComponents, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}), "metrics"))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// startSchedules registers every schedule in path and starts firing them.
func startSchedules(rt *runtimeComponents, path string) (*cron.Scheduler, error) {
	schedules, err := cron.Load(path)
	if err != nil {
		return nil, err
	}
	scheduler := cron.New(scheduledStart(rt.engine), cron.WithLogger(rt.logger))
	for _, sched := range schedules {
		if err := scheduler.Add(sched); err != nil {
			return nil, err
		}
	}
	scheduler.Start()
	return scheduler, nil
}

func scheduledStart(engine *procedure.Engine) cron.StartFunc {
	return func(ctx context.Context, sched cron.Schedule) (string, error) {
		session, err := engine.CreateSession(ctx, procedure.CreateSessionRequest{
			TaskID:    sched.TaskID,
			TaskQuery: sched.TaskQuery,
			UserID:    sched.UserID,
		})
		if err != nil {
			return "", err
		}
		if err := engine.StartSession(ctx, session.SessionID); err != nil {
			return session.SessionID, err
		}
		return session.SessionID, nil
	}
}
