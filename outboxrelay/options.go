package outboxrelay

import "time"

const (
	defaultBatchSize           = 100
	defaultMaxAttempts         = 5
	defaultPollInterval        = 5 * time.Second
	defaultStuckEventTimeout   = 10 * time.Minute
	defaultProcessedRetention  = 24 * time.Hour
	defaultDeadLetterRetention = 7 * 24 * time.Hour
)

type config struct {
	batchSize           int
	maxAttempts         int
	pollInterval        time.Duration
	backoff             BackoffStrategy
	metrics             MetricsCollector
	stuckTimeout        time.Duration
	processedRetention  time.Duration
	deadLetterRetention time.Duration
}

func defaultConfig() config {
	return config{
		batchSize:           defaultBatchSize,
		maxAttempts:         defaultMaxAttempts,
		pollInterval:        defaultPollInterval,
		backoff:             DefaultBackoffStrategy(),
		metrics:             NewNopMetricsCollector(),
		stuckTimeout:        defaultStuckEventTimeout,
		processedRetention:  defaultProcessedRetention,
		deadLetterRetention: defaultDeadLetterRetention,
	}
}

// Option configures the Relay and its companion workers.
type Option func(*config)

// WithBatchSize overrides how many outbox rows are claimed per poll
// (default 100, spec.md's suggested 10-100 range).
func WithBatchSize(n int) Option {
	return func(c *config) { c.batchSize = n }
}

// WithMaxAttempts overrides the retry budget before dead-lettering
// (default 5, per spec.md §4.4).
func WithMaxAttempts(n int) Option {
	return func(c *config) { c.maxAttempts = n }
}

// WithPollInterval overrides the relay's polling interval (default 5s).
func WithPollInterval(d time.Duration) Option {
	return func(c *config) { c.pollInterval = d }
}

// WithBackoffStrategy overrides the retry backoff schedule.
func WithBackoffStrategy(b BackoffStrategy) Option {
	return func(c *config) { c.backoff = b }
}

// WithMetrics overrides the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(c *config) { c.metrics = m }
}

// WithStuckTimeout overrides how long a claimed-but-unprocessed row may
// sit before RecoverStuck reclaims it (default 10m).
func WithStuckTimeout(d time.Duration) Option {
	return func(c *config) { c.stuckTimeout = d }
}

// WithProcessedRetention overrides how long processed rows are kept
// before Cleanup deletes them (default 24h).
func WithProcessedRetention(d time.Duration) Option {
	return func(c *config) { c.processedRetention = d }
}

// WithDeadLetterRetention overrides how long dead-lettered rows are kept
// before Cleanup deletes them (default 7d).
func WithDeadLetterRetention(d time.Duration) Option {
	return func(c *config) { c.deadLetterRetention = d }
}
