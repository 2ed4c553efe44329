package peerrpc

import (
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
)

const (
	DefaultNumWorkers = 4
	DefaultRPCTimeout = 60 * time.Second

	// DefaultMaxMessageSize matches the default frame limit of `Transport`.
	DefaultMaxMessageSize = 1 << 28

	// InfiniteTimeout disables the watchdog for a request.
	InfiniteTimeout time.Duration = 0
)

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	numWorkers   int
	rpcTimeout   time.Duration
	maxMsgSize   int
	onFatal      func(error)
}

func defaultConfig() *config {
	return &config{
		logHandler: slog.Default().Handler(),
		metricSink: &metrics.BlackholeSink{},
		numWorkers: DefaultNumWorkers,
		rpcTimeout: DefaultRPCTimeout,
		maxMsgSize: DefaultMaxMessageSize,
		onFatal: func(err error) {
			panic(err)
		},
	}
}

// Option to pass to `New`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		if handler != nil {
			c.logHandler = handler
		}
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Agent`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Agent.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithNumWorkers sets the number of goroutines processing sends and
// receives.
func WithNumWorkers(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: need at least one worker, got %d", ErrInvalidCfg, n)
		}
		c.numWorkers = n
		return nil
	}
}

// WithRPCTimeout sets the timeout used by `Send`. `InfiniteTimeout`
// disables it.
func WithRPCTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative timeout %s", ErrInvalidCfg, timeout)
		}
		c.rpcTimeout = timeout
		return nil
	}
}

// WithMaxMessageSize bounds the serialized size of the messages the agent
// sends and accepts. A peer announcing a larger payload is a protocol
// violation.
func WithMaxMessageSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max message size must be positive, got %d", ErrInvalidCfg, n)
		}
		c.maxMsgSize = n
		return nil
	}
}

// WithFatalHandler is invoked when a peer violates the protocol, after
// which the listener stops. The default handler panics.
func WithFatalHandler(onFatal func(error)) Option {
	return func(c *config) error {
		if onFatal == nil {
			return fmt.Errorf("%w: nil fatal handler", ErrInvalidCfg)
		}
		c.onFatal = onFatal
		return nil
	}
}

// TODO(raskyld): Wait for the buildflag to always use the hashicorp
// version in memberlist so we don't need to do the translation.
func legacyLabels(labels []metrics.Label) []leg_metrics.Label {
	translated := make([]leg_metrics.Label, len(labels))
	for i, label := range labels {
		translated[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return translated
}
