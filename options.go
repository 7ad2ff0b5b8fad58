package findexgo

import (
	"math/rand/v2"
	"time"

	"github.com/hupe1980/findexgo/internal/encoding"
)

// RetryPolicy bounds the read-modify-write retry loop that resolves entry
// row version conflicts. The right bound depends on writer concurrency and
// backend latency, so it is a tuning knob rather than a constant.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries per keyword, including the
	// first. Must be at least 1.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt; it doubles per
	// attempt up to MaxDelay, with jitter.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

// backoff returns the jittered delay before the given attempt (1-based;
// attempt 1 has no delay).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << (attempt - 2)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	// Full jitter: uniform in [d/2, d).
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1))
}

type options struct {
	logger         *Logger
	metrics        MetricsCollector
	blockSize      int
	chainBatchSize int
	concurrency    int
	retry          RetryPolicy
}

func defaultOptions() options {
	return options{
		logger:         NoopLogger(),
		metrics:        NoopMetricsCollector{},
		blockSize:      encoding.DefaultBlockSize,
		chainBatchSize: 1000,
		concurrency:    8,
		retry:          DefaultRetryPolicy,
	}
}

// Option configures an Index.
type Option func(*options)

// WithLogger configures structured logging. Pass nil to keep logging
// disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metrics = m
	}
}

// WithBlockSize configures the chain block plaintext width. All writers of
// one index must agree on it. Larger blocks pack more values per row at the
// cost of more padding for sparse keywords.
func WithBlockSize(size int) Option {
	return func(o *options) {
		if size >= encoding.MinBlockSize {
			o.blockSize = size
		}
	}
}

// WithChainBatchSize caps the number of chain tokens per fetch call, so a
// very long chain does not turn into one oversized backend request.
func WithChainBatchSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.chainBatchSize = size
		}
	}
}

// WithConcurrency caps the number of keywords processed in parallel per
// operation.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithRetryPolicy configures the entry-row conflict retry loop.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) {
		if p.MaxAttempts >= 1 {
			o.retry = p
		}
	}
}
