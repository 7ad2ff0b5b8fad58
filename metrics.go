package findexgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordUpsert is called after each upsert operation. keywords is the
	// number of keywords attempted, failed the number that failed,
	// conflicts the number of version-conflict retries across the call.
	RecordUpsert(keywords, failed, conflicts int, duration time.Duration)

	// RecordSearch is called after each search operation. keywords is the
	// number of requested keywords, rounds the number of indirection rounds
	// walked.
	RecordSearch(keywords, rounds int, duration time.Duration, err error)

	// RecordCompact is called after each compaction run.
	RecordCompact(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordUpsert(int, int, int, time.Duration)   {}
func (NoopMetricsCollector) RecordSearch(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordCompact(time.Duration, error)          {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	UpsertCount      atomic.Int64
	UpsertKeywords   atomic.Int64
	UpsertFailed     atomic.Int64
	UpsertConflicts  atomic.Int64
	UpsertTotalNanos atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchRounds     atomic.Int64
	SearchTotalNanos atomic.Int64
	CompactCount     atomic.Int64
	CompactErrors    atomic.Int64
}

func (m *BasicMetricsCollector) RecordUpsert(keywords, failed, conflicts int, duration time.Duration) {
	m.UpsertCount.Add(1)
	m.UpsertKeywords.Add(int64(keywords))
	m.UpsertFailed.Add(int64(failed))
	m.UpsertConflicts.Add(int64(conflicts))
	m.UpsertTotalNanos.Add(int64(duration))
}

func (m *BasicMetricsCollector) RecordSearch(keywords, rounds int, duration time.Duration, err error) {
	m.SearchCount.Add(1)
	m.SearchRounds.Add(int64(rounds))
	m.SearchTotalNanos.Add(int64(duration))
	if err != nil {
		m.SearchErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordCompact(_ time.Duration, err error) {
	m.CompactCount.Add(1)
	if err != nil {
		m.CompactErrors.Add(1)
	}
}
