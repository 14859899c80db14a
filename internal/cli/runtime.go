package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/PipeOpsHQ/procedure-engine/internal/config"
	"github.com/PipeOpsHQ/procedure-engine/internal/logging"
	"github.com/PipeOpsHQ/procedure-engine/modelrun"
	"github.com/PipeOpsHQ/procedure-engine/observe"
	otelsink "github.com/PipeOpsHQ/procedure-engine/observe/otel"
	"github.com/PipeOpsHQ/procedure-engine/procedure"
	providerfactory "github.com/PipeOpsHQ/procedure-engine/providers/factory"
	"github.com/PipeOpsHQ/procedure-engine/runtime/distributed"
	"github.com/PipeOpsHQ/procedure-engine/runtime/queue"
	memoryqueue "github.com/PipeOpsHQ/procedure-engine/runtime/queue/memory"
	"github.com/PipeOpsHQ/procedure-engine/runtime/queue/redisstreams"
	"github.com/PipeOpsHQ/procedure-engine/state"
	statefactory "github.com/PipeOpsHQ/procedure-engine/state/factory"
)

type queueKind int

const (
	redisQueue queueKind = iota
	inProcessQueue
)

// runtimeComponents is everything one command needs to drive sessions.
type runtimeComponents struct {
	cfg           config.Config
	logger        *slog.Logger
	store         state.Store
	attempts      *distributed.SQLiteAttemptStore
	queue         queue.Queue
	local         *memoryqueue.Queue
	dispatcher    *distributed.Dispatcher
	models        *modelrun.Service
	engine        *procedure.Engine
	observer      observe.Sink
	registry      *prometheus.Registry
	workerMetrics *distributed.Metrics

	closers []func() error
}

func loadConfig() (config.Config, error) {
	return config.Load(os.Getenv("AGENT_ENV_FILE"))
}

func buildRuntime(ctx context.Context, cfg config.Config, kind queueKind) (*runtimeComponents, error) {
	rt := &runtimeComponents{
		cfg:      cfg,
		logger:   logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}),
		registry: prometheus.NewRegistry(),
	}
	rt.observer = observe.NewMultiSink(
		observe.LogSink{Logger: rt.logger},
		otelsink.NewSink(otel.GetTracerProvider()),
	)

	store, err := statefactory.New(ctx, cfg, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	attempts, err := distributed.NewSQLiteAttemptStore(cfg.AttemptsPath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open attempt store: %w", err)
	}
	rt.attempts = attempts
	rt.closers = append(rt.closers, attempts.Close)

	switch kind {
	case inProcessQueue:
		rt.local = memoryqueue.New()
		rt.queue = rt.local
	default:
		q, err := redisstreams.New(
			cfg.Redis.Addr,
			redisstreams.WithPassword(cfg.Redis.Password),
			redisstreams.WithDB(cfg.Redis.DB),
			redisstreams.WithPrefix(cfg.QueuePrefix),
			redisstreams.WithGroup(cfg.QueueGroup),
		)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open continuation queue: %w", err)
		}
		rt.queue = q
	}
	rt.closers = append(rt.closers, rt.queue.Close)

	rt.workerMetrics = distributed.MustNewMetrics(rt.registry)
	rt.dispatcher, err = distributed.NewDispatcher(rt.queue, rt.attempts,
		distributed.WithLogger(rt.logger),
		distributed.WithObserver(rt.observer),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}

	provider, err := providerfactory.New(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build provider: %w", err)
	}
	rt.models, err = modelrun.New(rt.store, provider, modelrun.WithLogger(rt.logger))
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.engine, err = procedure.New(rt.store, rt.dispatcher, rt.models, rt.models,
		procedure.WithLogger(rt.logger),
		procedure.WithObserver(rt.observer),
		procedure.WithMetrics(procedure.MustNewMetrics(rt.registry)),
		procedure.WithIterationCap(cfg.IterationCap),
		procedure.WithPassBackoff(cfg.PassBackoff),
		procedure.WithPollTimeout(cfg.PollTimeout, cfg.PollInterval),
		procedure.WithMaxParallelNodes(cfg.MaxParallelNodes),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// handlers adapts the engine's continuations to worker handlers.
func (rt *runtimeComponents) handlers() map[string]distributed.Handler {
	out := map[string]distributed.Handler{}
	for name := range rt.engine.Handlers() {
		out[name] = func(ctx context.Context, task queue.Task) error {
			return rt.engine.Handle(ctx, task.Function, task.Params)
		}
	}
	return out
}

func (rt *runtimeComponents) newWorker(cfg distributed.WorkerConfig) (distributed.Worker, error) {
	return distributed.NewWorker(cfg, rt.attempts, rt.queue, rt.handlers(),
		distributed.WithLogger(rt.logger),
		distributed.WithObserver(rt.observer),
		distributed.WithMetrics(rt.workerMetrics),
	)
}

// Close releases resources in reverse order of acquisition.
func (rt *runtimeComponents) Close() error {
	if rt == nil {
		return nil
	}
	if rt.models != nil {
		rt.models.Wait()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
