package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/sellsight/sellsight/internal/domain"
)

// Pipeline builders. The rows repo prepends the connection-scope match, so
// every pipeline here starts from the connection's own documents.

func dateMatch(field string, rng DateRange) map[string]any {
	cond := map[string]any{}
	if rng.From != nil {
		cond["$gte"] = rng.From.UTC()
	}
	if rng.To != nil {
		cond["$lte"] = rng.To.UTC()
	}
	return map[string]any{"$match": map[string]any{"data." + field: cond}}
}

func summaryPipeline(strat Strategy, rng DateRange) []map[string]any {
	var pipeline []map[string]any
	if !rng.empty() && strat.DateField != "" {
		pipeline = append(pipeline, dateMatch(strat.DateField, rng))
	}

	group := map[string]any{"_id": nil, "total_count": map[string]any{"$sum": 1}}
	switch strat.Type {
	case domain.SheetTypeOrders:
		group["total_amount"] = map[string]any{"$sum": "$data.total_amount"}
		group["avg_amount"] = map[string]any{"$avg": "$data.total_amount"}
	case domain.SheetTypeOrderItems:
		group["total_quantity"] = map[string]any{"$sum": "$data.quantity"}
		group["total_line_total"] = map[string]any{"$sum": "$data.line_total"}
		group["products"] = map[string]any{"$addToSet": "$data.product_name"}
	}
	pipeline = append(pipeline, map[string]any{"$group": group})
	return pipeline
}

// summaryResult shapes the single group document per strategy. An empty
// aggregation (no rows) still yields a zeroed summary.
func summaryResult(strat Strategy, res []map[string]any) map[string]any {
	var doc map[string]any
	if len(res) > 0 {
		doc = res[0]
	}
	switch strat.Type {
	case domain.SheetTypeOrders:
		return map[string]any{
			"total_count":  asInt64(doc["total_count"]),
			"total_amount": asFloat(doc["total_amount"]),
			"avg_amount":   asFloat(doc["avg_amount"]),
		}
	case domain.SheetTypeOrderItems:
		unique := 0
		if set, ok := doc["products"].([]any); ok {
			unique = len(set)
		}
		return map[string]any{
			"total_quantity":   asFloat(doc["total_quantity"]),
			"total_line_total": asFloat(doc["total_line_total"]),
			"unique_products":  unique,
		}
	default:
		return map[string]any{"total_count": asInt64(doc["total_count"])}
	}
}

func timeSeriesPipeline(strat Strategy, q TimeSeriesQuery) []map[string]any {
	dateField := "$data." + strat.DateField
	trunc := map[string]any{"date": dateField, "unit": string(q.Period)}
	if q.Period == PeriodWeek {
		trunc["startOfWeek"] = "monday"
	}
	return []map[string]any{
		dateMatch(strat.DateField, q.Range),
		{"$group": map[string]any{
			"_id":          map[string]any{"$dateTrunc": trunc},
			"count":        map[string]any{"$sum": 1},
			"total_amount": map[string]any{"$sum": "$data.total_amount"},
		}},
		{"$sort": map[string]any{"_id": 1}},
	}
}

func timeSeriesResult(res []map[string]any, metrics []string) []TimePoint {
	wantCount := len(metrics) == 0
	wantAmount := len(metrics) == 0
	for _, m := range metrics {
		switch m {
		case "count":
			wantCount = true
		case "total_amount":
			wantAmount = true
		}
	}
	points := make([]TimePoint, 0, len(res))
	for _, doc := range res {
		date, ok := asTime(doc["_id"])
		if !ok {
			continue
		}
		p := TimePoint{Date: date}
		if wantCount {
			c := asInt64(doc["count"])
			p.Count = &c
		}
		if wantAmount {
			a := asFloat(doc["total_amount"])
			p.TotalAmount = &a
		}
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points
}

func distributionPipeline(field string) []map[string]any {
	return []map[string]any{
		{"$group": map[string]any{
			"_id":   "$data." + field,
			"count": map[string]any{"$sum": 1},
		}},
		{"$sort": map[string]any{"count": -1}},
	}
}

func distributionResult(res []map[string]any) []DistributionBucket {
	var total int64
	for _, doc := range res {
		total += asInt64(doc["count"])
	}
	buckets := make([]DistributionBucket, 0, len(res))
	for _, doc := range res {
		count := asInt64(doc["count"])
		pct := 0.0
		if total > 0 {
			pct = round1(float64(count) / float64(total) * 100)
		}
		buckets = append(buckets, DistributionBucket{
			Value:      asString(doc["_id"]),
			Count:      count,
			Percentage: pct,
		})
	}
	return buckets
}

func topPipeline(field, metricField string, limit int) []map[string]any {
	group := map[string]any{
		"_id":   "$data." + field,
		"count": map[string]any{"$sum": 1},
	}
	sortKey := "count"
	if metricField != "" {
		group["metric"] = map[string]any{"$sum": "$data." + metricField}
		sortKey = "metric"
	}
	return []map[string]any{
		{"$group": group},
		{"$sort": map[string]any{sortKey: -1}},
		{"$limit": limit},
	}
}

func topResult(res []map[string]any) []TopEntry {
	entries := make([]TopEntry, 0, len(res))
	for _, doc := range res {
		e := TopEntry{Value: asString(doc["_id"]), Count: asInt64(doc["count"])}
		if m, ok := doc["metric"]; ok {
			e.Metric = asFloat(m)
		} else {
			e.Metric = float64(e.Count)
		}
		entries = append(entries, e)
	}
	return entries
}

// topMetricField maps the requested metric to the summed document field,
// constrained by what the strategy ranks on. Empty metric means count.
func (s Strategy) topMetricField(metric string) (string, error) {
	switch metric {
	case "", "count":
		return "", nil
	case "amount":
		if s.TopMetric == "total_amount" {
			return s.TopMetric, nil
		}
	case "quantity":
		if s.TopMetric == "quantity" {
			return s.TopMetric, nil
		}
	}
	return "", fmt.Errorf("top metric %q: %w", metric, domain.ErrFieldUnsupported)
}

// Numeric coercion for aggregation output. The Mongo driver decodes
// numbers as int32, int64, or float64 depending on the stored width; fakes
// in tests use plain ints.

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
