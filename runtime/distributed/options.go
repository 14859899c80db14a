package distributed

import (
	"context"
	"log/slog"

	"github.com/PipeOpsHQ/procedure-engine/internal/logging"
	"github.com/PipeOpsHQ/procedure-engine/observe"
)

type options struct {
	observer observe.Sink
	logger   *slog.Logger
	policy   Policy
	metrics  *Metrics
}

// Option configures a Dispatcher or a Worker.
type Option func(*options)

func WithObserver(sink observe.Sink) Option {
	return func(o *options) { o.observer = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithPolicy(policy Policy) Option {
	return func(o *options) { o.policy = policy.normalized() }
}

func WithMetrics(metrics *Metrics) Option {
	return func(o *options) { o.metrics = metrics }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: logging.Discard(),
		policy: DefaultPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o options) emit(ctx context.Context, event observe.Event) {
	if o.observer == nil {
		return
	}
	event.Normalize()
	_ = o.observer.Emit(ctx, event)
}
