package audit

import (
	"context"
	"time"
)

// MetricsQuerier is implemented by audit backends that can aggregate
// the trail. Backends that only append (slog, noop) do not implement
// it, and callers treat the capability as absent.
type MetricsQuerier interface {
	// Timeseries returns event counts bucketed by time.
	Timeseries(ctx context.Context, filter TimeseriesFilter) ([]TimeseriesBucket, error)

	// Breakdown returns event counts grouped by a dimension.
	Breakdown(ctx context.Context, filter BreakdownFilter) ([]BreakdownEntry, error)

	// Overview returns aggregate statistics for the given time range.
	Overview(ctx context.Context, startTime, endTime *time.Time) (*Overview, error)
}

// Resolution defines the time bucketing granularity for timeseries
// queries.
type Resolution string

const (
	// ResolutionMinute buckets by minute.
	ResolutionMinute Resolution = "minute"

	// ResolutionHour buckets by hour.
	ResolutionHour Resolution = "hour"

	// ResolutionDay buckets by day.
	ResolutionDay Resolution = "day"
)

// ValidResolutions is the set of allowed resolution values.
var ValidResolutions = map[Resolution]bool{
	ResolutionMinute: true,
	ResolutionHour:   true,
	ResolutionDay:    true,
}

// TimeseriesFilter controls timeseries query parameters.
type TimeseriesFilter struct {
	Resolution Resolution
	StartTime  *time.Time
	EndTime    *time.Time
}

// TimeseriesBucket holds counts for a single time bucket.
type TimeseriesBucket struct {
	Bucket        time.Time `json:"bucket"`
	Count         int       `json:"count"`
	SuccessCount  int       `json:"success_count"`
	ErrorCount    int       `json:"error_count"`
	AvgDurationMS float64   `json:"avg_duration_ms"`
}

// BreakdownDimension defines valid group-by dimensions.
type BreakdownDimension string

const (
	// BreakdownByType groups by event type.
	BreakdownByType BreakdownDimension = "type"

	// BreakdownByAction groups by action.
	BreakdownByAction BreakdownDimension = "action"

	// BreakdownBySubject groups by acted-on identifier.
	BreakdownBySubject BreakdownDimension = "subject"

	// BreakdownBySessionID groups by session.
	BreakdownBySessionID BreakdownDimension = "session_id"

	// BreakdownByUserID groups by user ID.
	BreakdownByUserID BreakdownDimension = "user_id"
)

// ValidBreakdownDimensions is the set of allowed group-by values.
var ValidBreakdownDimensions = map[BreakdownDimension]bool{
	BreakdownByType:      true,
	BreakdownByAction:    true,
	BreakdownBySubject:   true,
	BreakdownBySessionID: true,
	BreakdownByUserID:    true,
}

// BreakdownFilter controls breakdown query parameters.
type BreakdownFilter struct {
	GroupBy   BreakdownDimension
	Limit     int
	StartTime *time.Time
	EndTime   *time.Time
}

// BreakdownEntry holds aggregated stats for a single dimension value.
type BreakdownEntry struct {
	Dimension     string  `json:"dimension"`
	Count         int     `json:"count"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Overview holds aggregate statistics for the audit trail.
type Overview struct {
	TotalEvents    int     `json:"total_events"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMS  float64 `json:"avg_duration_ms"`
	UniqueSessions int     `json:"unique_sessions"`
	UniqueSubjects int     `json:"unique_subjects"`
	ErrorCount     int     `json:"error_count"`
}
