package analytics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sellsight/sellsight/internal/domain"
)

// Limits on client-supplied paging parameters.
const (
	DefaultTopLimit = 10
	MaxTopLimit     = 50
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Period is the time-series bucket width.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

func (p Period) valid() bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return true
	}
	return false
}

// Service answers dashboard queries over synced rows, delegating what each
// sheet type supports to its strategy and reading through the cache.
type Service struct {
	connections domain.ConnectionRepo
	rows        domain.SheetRowRepo
	cache       domain.AnalyticsCache
}

func NewService(connections domain.ConnectionRepo, rows domain.SheetRowRepo, cache domain.AnalyticsCache) *Service {
	return &Service{connections: connections, rows: rows, cache: cache}
}

// connection resolves a connection for a caller. Ownership mismatches
// report not-found so callers cannot probe for other tenants' ids.
func (s *Service) connection(ctx domain.Context, userID, connectionID string) (domain.Connection, error) {
	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		return domain.Connection{}, err
	}
	if conn.UserID != userID {
		return domain.Connection{}, fmt.Errorf("connection %s: %w", connectionID, domain.ErrNotFound)
	}
	return conn, nil
}

// DateRange bounds an operation to [From, To] on the strategy's date field.
// Both ends are optional except where an endpoint requires them.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

func (r DateRange) validate() error {
	if r.From != nil && r.To != nil && r.From.After(*r.To) {
		return fmt.Errorf("date_from after date_to: %w", domain.ErrBadRange)
	}
	return nil
}

func (r DateRange) empty() bool { return r.From == nil && r.To == nil }

// Summary runs the strategy's summary pipeline for one connection.
func (s *Service) Summary(ctx domain.Context, userID, connectionID string, rng DateRange) (map[string]any, error) {
	conn, err := s.connection(ctx, userID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("op=analytics.Summary: %w", err)
	}
	strat := StrategyFor(conn.SheetType())
	if err := rng.validate(); err != nil {
		return nil, fmt.Errorf("op=analytics.Summary: %w", err)
	}
	if !rng.empty() && strat.DateField == "" {
		return nil, fmt.Errorf("op=analytics.Summary: sheet type %s has no date filter: %w", strat.Type, domain.ErrFeatureUnsupported)
	}

	params := map[string]any{"from": timeParam(rng.From), "to": timeParam(rng.To)}
	var out map[string]any
	err = s.cached(ctx, connectionID, "summary", params, &out, func() (any, error) {
		res, err := s.rows.Aggregate(ctx, connectionID, summaryPipeline(strat, rng))
		if err != nil {
			return nil, err
		}
		return summaryResult(strat, res), nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=analytics.Summary: %w", err)
	}
	return out, nil
}

// TimeSeriesQuery selects the bucketing and metrics of a time series.
type TimeSeriesQuery struct {
	Period  Period
	Metrics []string // any of count, total_amount; empty means both
	Range   DateRange
}

// TimePoint is one bucket of a time series.
type TimePoint struct {
	Date        time.Time `json:"date"`
	Count       *int64    `json:"count,omitempty"`
	TotalAmount *float64  `json:"total_amount,omitempty"`
}

// TimeSeries buckets orders by truncated period. Weeks start Monday;
// month and year buckets land on the first day of their span.
func (s *Service) TimeSeries(ctx domain.Context, userID, connectionID string, q TimeSeriesQuery) ([]TimePoint, error) {
	conn, err := s.connection(ctx, userID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("op=analytics.TimeSeries: %w", err)
	}
	strat := StrategyFor(conn.SheetType())
	if !strat.supportsTimeSeries() {
		return nil, fmt.Errorf("op=analytics.TimeSeries: sheet type %s: %w", strat.Type, domain.ErrFeatureUnsupported)
	}
	if q.Range.From == nil || q.Range.To == nil {
		return nil, fmt.Errorf("op=analytics.TimeSeries: date_from and date_to are required: %w", domain.ErrInvalidArgument)
	}
	if err := q.Range.validate(); err != nil {
		return nil, fmt.Errorf("op=analytics.TimeSeries: %w", err)
	}
	if !q.Period.valid() {
		return nil, fmt.Errorf("op=analytics.TimeSeries: period %q: %w", q.Period, domain.ErrInvalidArgument)
	}
	for _, m := range q.Metrics {
		if m != "count" && m != "total_amount" {
			return nil, fmt.Errorf("op=analytics.TimeSeries: metric %q: %w", m, domain.ErrFieldUnsupported)
		}
	}

	params := map[string]any{
		"period":  string(q.Period),
		"metrics": q.Metrics,
		"from":    timeParam(q.Range.From),
		"to":      timeParam(q.Range.To),
	}
	var out []TimePoint
	err = s.cached(ctx, connectionID, "timeseries", params, &out, func() (any, error) {
		res, err := s.rows.Aggregate(ctx, connectionID, timeSeriesPipeline(strat, q))
		if err != nil {
			return nil, err
		}
		return timeSeriesResult(res, q.Metrics), nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=analytics.TimeSeries: %w", err)
	}
	return out, nil
}

// DistributionBucket is one value of a distribution with its share.
type DistributionBucket struct {
	Value      string  `json:"value"`
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Distribution counts rows per distinct value of a strategy-approved field.
func (s *Service) Distribution(ctx domain.Context, userID, connectionID, field string) ([]DistributionBucket, error) {
	conn, err := s.connection(ctx, userID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("op=analytics.Distribution: %w", err)
	}
	strat := StrategyFor(conn.SheetType())
	if err := strat.distributionField(field); err != nil {
		return nil, fmt.Errorf("op=analytics.Distribution: %w", err)
	}

	params := map[string]any{"field": field}
	var out []DistributionBucket
	err = s.cached(ctx, connectionID, "distribution", params, &out, func() (any, error) {
		res, err := s.rows.Aggregate(ctx, connectionID, distributionPipeline(field))
		if err != nil {
			return nil, err
		}
		return distributionResult(res), nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=analytics.Distribution: %w", err)
	}
	return out, nil
}

// TopQuery ranks groups of a field by a metric.
type TopQuery struct {
	Field  string
	Metric string // count, amount, quantity; empty means count
	Limit  int    // 0 means DefaultTopLimit
}

// TopEntry is one ranked group.
type TopEntry struct {
	Value  string  `json:"value"`
	Count  int64   `json:"count"`
	Metric float64 `json:"metric"`
}

// Top returns the highest-ranking groups, capped at MaxTopLimit.
func (s *Service) Top(ctx domain.Context, userID, connectionID string, q TopQuery) ([]TopEntry, error) {
	conn, err := s.connection(ctx, userID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("op=analytics.Top: %w", err)
	}
	strat := StrategyFor(conn.SheetType())
	if err := strat.topField(q.Field); err != nil {
		return nil, fmt.Errorf("op=analytics.Top: %w", err)
	}
	metricField, err := strat.topMetricField(q.Metric)
	if err != nil {
		return nil, fmt.Errorf("op=analytics.Top: %w", err)
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultTopLimit
	}
	if limit < 1 || limit > MaxTopLimit {
		return nil, fmt.Errorf("op=analytics.Top: limit %d out of [1, %d]: %w", limit, MaxTopLimit, domain.ErrInvalidArgument)
	}

	params := map[string]any{"field": q.Field, "metric": q.Metric, "limit": limit}
	var out []TopEntry
	err = s.cached(ctx, connectionID, "top", params, &out, func() (any, error) {
		res, err := s.rows.Aggregate(ctx, connectionID, topPipeline(q.Field, metricField, limit))
		if err != nil {
			return nil, err
		}
		return topResult(res), nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=analytics.Top: %w", err)
	}
	return out, nil
}

// DataQuery selects a page of raw mapped documents.
type DataQuery struct {
	Search    string
	SortField string
	SortOrder string // asc or desc; empty means desc
	Range     DateRange
	Page      int
	PageSize  int
}

// RowDoc is one listed row.
type RowDoc struct {
	RowNumber int            `json:"row_number"`
	Data      map[string]any `json:"data"`
	SyncedAt  time.Time      `json:"synced_at"`
}

// DataPage is one page of listed rows with paging totals.
type DataPage struct {
	Data       []RowDoc `json:"data"`
	Total      int64    `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"page_size"`
	TotalPages int64    `json:"total_pages"`
}

// Data lists mapped documents with optional search, sort, and date filter.
func (s *Service) Data(ctx domain.Context, userID, connectionID string, q DataQuery) (DataPage, error) {
	conn, err := s.connection(ctx, userID, connectionID)
	if err != nil {
		return DataPage{}, fmt.Errorf("op=analytics.Data: %w", err)
	}
	strat := StrategyFor(conn.SheetType())
	if err := strat.sortField(q.SortField); err != nil {
		return DataPage{}, fmt.Errorf("op=analytics.Data: %w", err)
	}
	switch q.SortOrder {
	case "", "asc", "desc":
	default:
		return DataPage{}, fmt.Errorf("op=analytics.Data: sort order %q: %w", q.SortOrder, domain.ErrInvalidArgument)
	}
	if err := q.Range.validate(); err != nil {
		return DataPage{}, fmt.Errorf("op=analytics.Data: %w", err)
	}
	if !q.Range.empty() && strat.DateField == "" {
		return DataPage{}, fmt.Errorf("op=analytics.Data: sheet type %s has no date filter: %w", strat.Type, domain.ErrFeatureUnsupported)
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.PageSize
	if size == 0 {
		size = DefaultPageSize
	}
	if size < 1 {
		size = 1
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	rq := domain.RowQuery{
		ConnectionID: connectionID,
		Search:       q.Search,
		SearchFields: strat.Searchable,
		SortField:    q.SortField,
		SortAsc:      q.SortOrder == "asc",
		Page:         page,
		PageSize:     size,
	}
	if !q.Range.empty() {
		rq.DateField = strat.DateField
		rq.DateFrom = q.Range.From
		rq.DateTo = q.Range.To
	}

	params := map[string]any{
		"search": q.Search, "sort": q.SortField, "order": q.SortOrder,
		"from": timeParam(q.Range.From), "to": timeParam(q.Range.To),
		"page": page, "page_size": size,
	}
	var out DataPage
	err = s.cached(ctx, connectionID, "data", params, &out, func() (any, error) {
		rows, total, err := s.rows.Find(ctx, rq)
		if err != nil {
			return nil, err
		}
		docs := make([]RowDoc, 0, len(rows))
		for _, r := range rows {
			docs = append(docs, RowDoc{RowNumber: r.RowNumber, Data: r.Data, SyncedAt: r.SyncedAt})
		}
		return DataPage{
			Data:       docs,
			Total:      total,
			Page:       page,
			PageSize:   size,
			TotalPages: (total + int64(size) - 1) / int64(size),
		}, nil
	})
	if err != nil {
		return DataPage{}, fmt.Errorf("op=analytics.Data: %w", err)
	}
	return out, nil
}

// cached is the read-through: on a hit, decode into out; on a miss, run
// compute, store the JSON, and decode the same bytes so hit and miss paths
// return identical shapes.
func (s *Service) cached(ctx domain.Context, connectionID, endpoint string, params map[string]any, out any, compute func() (any, error)) error {
	if payload, ok := s.cache.Get(ctx, connectionID, endpoint, params); ok {
		if err := json.Unmarshal(payload, out); err == nil {
			return nil
		}
		slog.Warn("discarding undecodable cache entry",
			slog.String("connection_id", connectionID),
			slog.String("endpoint", endpoint))
	}
	v, err := compute()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s result: %w", endpoint, err)
	}
	s.cache.Set(ctx, connectionID, endpoint, params, payload)
	return json.Unmarshal(payload, out)
}

func timeParam(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// round1 rounds to one decimal place, which is the precision percentages
// are reported with.
func round1(v float64) float64 { return math.Round(v*10) / 10 }
