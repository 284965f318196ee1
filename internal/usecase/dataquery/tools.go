package dataquery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sellsight/sellsight/internal/agent"
	"github.com/sellsight/sellsight/internal/domain"
)

// Tool names advertised to the model.
const (
	ToolGetSchema      = "get_schema"
	ToolAggregateData  = "aggregate_data"
	ToolTopData        = "top_data"
	ToolComparePeriods = "compare_periods"
	ToolCustomPipeline = "run_custom_pipeline"
)

// schemaSampleRows bounds how many rows the schema tool samples per
// connection; sample values per field are capped at three.
const schemaSampleRows = 5

// maxSerializedRows bounds tool output size: group results past this many
// entries are cut and the model is told so.
const maxSerializedRows = 100

// Tools builds the agent tool set over one user's connections. Every tool
// resolves connections through the caller's user id, so a tool can never
// read rows the caller does not own.
type Tools struct {
	connections domain.ConnectionRepo
	rows        domain.SheetRowRepo
}

func New(connections domain.ConnectionRepo, rows domain.SheetRowRepo) *Tools {
	return &Tools{connections: connections, rows: rows}
}

// ForUser binds the five tools to a caller.
func (t *Tools) ForUser(userID string) []agent.Tool {
	return []agent.Tool{
		&schemaTool{t, userID},
		&aggregateTool{t, userID},
		&topTool{t, userID},
		&compareTool{t, userID},
		&pipelineTool{t, userID},
	}
}

func (t *Tools) userConnections(ctx domain.Context, userID string) ([]domain.Connection, error) {
	conns, err := t.connections.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing your connections failed: %w", domain.ErrToolFailed)
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("you have no sheet connections yet: %w", domain.ErrToolFailed)
	}
	return conns, nil
}

// findConnection matches a connection by its tab name, case-insensitively.
func findConnection(conns []domain.Connection, name string) (domain.Connection, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return domain.Connection{}, fmt.Errorf("connection_name is required: %w", domain.ErrToolFailed)
	}
	var names []string
	for _, c := range conns {
		if strings.ToLower(c.SheetName) == want {
			return c, nil
		}
		names = append(names, c.SheetName)
	}
	return domain.Connection{}, fmt.Errorf("no connection named %q; available: %s: %w",
		name, strings.Join(names, ", "), domain.ErrToolFailed)
}

func decodeArgs(args json.RawMessage, into any) error {
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("malformed tool arguments: %v: %w", err, domain.ErrToolFailed)
	}
	return nil
}

// dateLayouts accepted in tool arguments.
var dateLayouts = []string{"2006-01-02", time.RFC3339}

func parseDate(s, name string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD, got %q: %w", name, s, domain.ErrToolFailed)
}

// endOfDay widens a date-only upper bound to cover the whole day.
func endOfDay(t time.Time) time.Time {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Add(24*time.Hour - time.Nanosecond)
	}
	return t
}

func serialize(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serializing tool result failed: %w", domain.ErrToolFailed)
	}
	return string(b), nil
}

// get_schema

type schemaTool struct {
	t      *Tools
	userID string
}

func (s *schemaTool) Spec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        ToolGetSchema,
		Description: "List the user's sheet connections with their fields, data types, and sample values. Call this first to learn what data exists.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"connection_name": map[string]any{
					"type":        "string",
					"description": "Optional: restrict to one connection by name.",
				},
			},
		},
	}
}

func (s *schemaTool) Execute(ctx domain.Context, args json.RawMessage) (string, error) {
	var in struct {
		ConnectionName string `json:"connection_name"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	conns, err := s.t.userConnections(ctx, s.userID)
	if err != nil {
		return "", err
	}
	if in.ConnectionName != "" {
		conn, err := findConnection(conns, in.ConnectionName)
		if err != nil {
			return "", err
		}
		conns = []domain.Connection{conn}
	}

	type fieldInfo struct {
		Name         string   `json:"name"`
		DataType     string   `json:"data_type"`
		SampleValues []string `json:"sample_values,omitempty"`
	}
	type connInfo struct {
		Name      string      `json:"name"`
		SheetType string      `json:"sheet_type"`
		Fields    []fieldInfo `json:"fields"`
	}

	out := make([]connInfo, 0, len(conns))
	for _, conn := range conns {
		samples := s.sampleValues(ctx, conn.ID)
		info := connInfo{Name: conn.SheetName, SheetType: string(conn.SheetType())}
		for _, m := range conn.Mappings {
			info.Fields = append(info.Fields, fieldInfo{
				Name:         m.Field,
				DataType:     string(m.Type),
				SampleValues: samples[m.Field],
			})
		}
		out = append(out, info)
	}
	return serialize(out)
}

func (s *schemaTool) sampleValues(ctx domain.Context, connectionID string) map[string][]string {
	rows, _, err := s.t.rows.Find(ctx, domain.RowQuery{
		ConnectionID: connectionID,
		Page:         1,
		PageSize:     schemaSampleRows,
	})
	if err != nil {
		// Samples are best-effort; the schema is still useful without them.
		return nil
	}
	samples := make(map[string][]string)
	for _, row := range rows {
		for field, v := range row.Data {
			if len(samples[field]) >= 3 {
				continue
			}
			samples[field] = append(samples[field], fmt.Sprintf("%v", v))
		}
	}
	return samples
}

// aggregate_data

type aggregateArgs struct {
	ConnectionName string         `json:"connection_name"`
	Operation      string         `json:"operation"`
	Field          string         `json:"field"`
	GroupBy        string         `json:"group_by"`
	Filters        map[string]any `json:"filters"`
	DateField      string         `json:"date_field"`
	DateFrom       string         `json:"date_from"`
	DateTo         string         `json:"date_to"`
}

type aggregateTool struct {
	t      *Tools
	userID string
}

func (a *aggregateTool) Spec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        ToolAggregateData,
		Description: "Aggregate a connection's rows: sum, count, avg, min, or max over a field, optionally grouped and filtered by equality filters and a date range.",
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"connection_name", "operation"},
			"properties": map[string]any{
				"connection_name": map[string]any{"type": "string"},
				"operation":       map[string]any{"type": "string", "enum": []string{"sum", "count", "avg", "min", "max"}},
				"field":           map[string]any{"type": "string", "description": "Field to aggregate; not needed for count."},
				"group_by":        map[string]any{"type": "string"},
				"filters":         map[string]any{"type": "object", "description": "Equality filters, e.g. {\"platform\": \"Shopee\"}."},
				"date_field":      map[string]any{"type": "string"},
				"date_from":       map[string]any{"type": "string", "description": "YYYY-MM-DD"},
				"date_to":         map[string]any{"type": "string", "description": "YYYY-MM-DD"},
			},
		},
	}
}

func (a *aggregateTool) Execute(ctx domain.Context, args json.RawMessage) (string, error) {
	var in aggregateArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	conns, err := a.t.userConnections(ctx, a.userID)
	if err != nil {
		return "", err
	}
	conn, err := findConnection(conns, in.ConnectionName)
	if err != nil {
		return "", err
	}
	results, err := a.t.runAggregation(ctx, conn.ID, in)
	if err != nil {
		return "", err
	}
	return serializeGroups(results)
}

// runAggregation builds and runs the match+group pipeline shared by the
// aggregate and compare-periods tools.
func (t *Tools) runAggregation(ctx domain.Context, connectionID string, in aggregateArgs) ([]map[string]any, error) {
	accum, err := accumulator(in.Operation, in.Field)
	if err != nil {
		return nil, err
	}
	match, err := buildMatch(in.Filters, in.DateField, in.DateFrom, in.DateTo)
	if err != nil {
		return nil, err
	}

	var pipeline []map[string]any
	if len(match) > 0 {
		pipeline = append(pipeline, map[string]any{"$match": match})
	}
	var groupID any
	if in.GroupBy != "" {
		groupID = "$data." + in.GroupBy
	}
	pipeline = append(pipeline,
		map[string]any{"$group": map[string]any{"_id": groupID, "value": accum}},
		map[string]any{"$sort": map[string]any{"value": -1}},
	)

	results, err := t.rows.Aggregate(ctx, connectionID, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregation failed: %v: %w", err, domain.ErrToolFailed)
	}
	return results, nil
}

func accumulator(operation, field string) (map[string]any, error) {
	if operation == "count" {
		return map[string]any{"$sum": 1}, nil
	}
	if field == "" {
		return nil, fmt.Errorf("operation %q needs a field: %w", operation, domain.ErrToolFailed)
	}
	ref := "$data." + field
	switch operation {
	case "sum":
		return map[string]any{"$sum": ref}, nil
	case "avg":
		return map[string]any{"$avg": ref}, nil
	case "min":
		return map[string]any{"$min": ref}, nil
	case "max":
		return map[string]any{"$max": ref}, nil
	}
	return nil, fmt.Errorf("unknown operation %q, use sum, count, avg, min, or max: %w", operation, domain.ErrToolFailed)
}

func buildMatch(filters map[string]any, dateField, dateFrom, dateTo string) (map[string]any, error) {
	match := make(map[string]any, len(filters)+1)
	for k, v := range filters {
		match["data."+k] = v
	}
	if dateFrom != "" || dateTo != "" {
		if dateField == "" {
			return nil, fmt.Errorf("date_from/date_to need a date_field: %w", domain.ErrToolFailed)
		}
		rng := map[string]any{}
		if dateFrom != "" {
			from, err := parseDate(dateFrom, "date_from")
			if err != nil {
				return nil, err
			}
			rng["$gte"] = from
		}
		if dateTo != "" {
			to, err := parseDate(dateTo, "date_to")
			if err != nil {
				return nil, err
			}
			rng["$lte"] = endOfDay(to)
		}
		match["data."+dateField] = rng
	}
	return match, nil
}

// serializeGroups flattens {_id, value}-style group documents into
// {group, value} entries, truncating oversized result sets.
func serializeGroups(results []map[string]any) (string, error) {
	type entry struct {
		Group any `json:"group,omitempty"`
		Value any `json:"value"`
	}
	entries := make([]entry, 0, len(results))
	truncated := false
	for i, doc := range results {
		if i >= maxSerializedRows {
			truncated = true
			break
		}
		entries = append(entries, entry{Group: doc["_id"], Value: doc["value"]})
	}
	out := map[string]any{"results": entries}
	if truncated {
		out["note"] = fmt.Sprintf("result truncated to the first %d groups", maxSerializedRows)
	}
	return serialize(out)
}

// top_data

type topTool struct {
	t      *Tools
	userID string
}

func (tt *topTool) Spec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        ToolTopData,
		Description: "Return the top rows or groups of a connection sorted by a field. With group_by, groups are ranked by the summed aggregate_field (or row count).",
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"connection_name", "sort_field"},
			"properties": map[string]any{
				"connection_name": map[string]any{"type": "string"},
				"sort_field":      map[string]any{"type": "string"},
				"sort_order":      map[string]any{"type": "string", "enum": []string{"asc", "desc"}},
				"limit":           map[string]any{"type": "integer", "description": "Max rows, default 10."},
				"group_by":        map[string]any{"type": "string"},
				"aggregate_field": map[string]any{"type": "string"},
				"filters":         map[string]any{"type": "object"},
			},
		},
	}
}

func (tt *topTool) Execute(ctx domain.Context, args json.RawMessage) (string, error) {
	var in struct {
		ConnectionName string         `json:"connection_name"`
		SortField      string         `json:"sort_field"`
		SortOrder      string         `json:"sort_order"`
		Limit          int            `json:"limit"`
		GroupBy        string         `json:"group_by"`
		AggregateField string         `json:"aggregate_field"`
		Filters        map[string]any `json:"filters"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if in.SortField == "" {
		return "", fmt.Errorf("sort_field is required: %w", domain.ErrToolFailed)
	}
	conns, err := tt.t.userConnections(ctx, tt.userID)
	if err != nil {
		return "", err
	}
	conn, err := findConnection(conns, in.ConnectionName)
	if err != nil {
		return "", err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > maxSerializedRows {
		limit = maxSerializedRows
	}
	dir := -1
	if in.SortOrder == "asc" {
		dir = 1
	}
	match, err := buildMatch(in.Filters, "", "", "")
	if err != nil {
		return "", err
	}

	var pipeline []map[string]any
	if len(match) > 0 {
		pipeline = append(pipeline, map[string]any{"$match": match})
	}
	if in.GroupBy != "" {
		accum := map[string]any{"$sum": 1}
		if in.AggregateField != "" {
			accum = map[string]any{"$sum": "$data." + in.AggregateField}
		}
		pipeline = append(pipeline,
			map[string]any{"$group": map[string]any{"_id": "$data." + in.GroupBy, "value": accum}},
			map[string]any{"$sort": map[string]any{"value": dir}},
			map[string]any{"$limit": limit},
		)
		results, err := tt.t.rows.Aggregate(ctx, conn.ID, pipeline)
		if err != nil {
			return "", fmt.Errorf("top query failed: %v: %w", err, domain.ErrToolFailed)
		}
		return serializeGroups(results)
	}

	pipeline = append(pipeline,
		map[string]any{"$sort": map[string]any{"data." + in.SortField: dir}},
		map[string]any{"$limit": limit},
		map[string]any{"$project": map[string]any{"_id": 0, "row_number": 1, "data": 1}},
	)
	results, err := tt.t.rows.Aggregate(ctx, conn.ID, pipeline)
	if err != nil {
		return "", fmt.Errorf("top query failed: %v: %w", err, domain.ErrToolFailed)
	}
	return serialize(map[string]any{"results": results})
}

// compare_periods

type compareTool struct {
	t      *Tools
	userID string
}

func (c *compareTool) Spec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        ToolComparePeriods,
		Description: "Compare an aggregation between two date periods. Returns both values, their difference, and the percentage change (null when the first period is zero).",
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"connection_name", "operation", "date_field", "period1_from", "period1_to", "period2_from", "period2_to"},
			"properties": map[string]any{
				"connection_name": map[string]any{"type": "string"},
				"operation":       map[string]any{"type": "string", "enum": []string{"sum", "count", "avg", "min", "max"}},
				"field":           map[string]any{"type": "string"},
				"date_field":      map[string]any{"type": "string"},
				"period1_from":    map[string]any{"type": "string", "description": "YYYY-MM-DD"},
				"period1_to":      map[string]any{"type": "string", "description": "YYYY-MM-DD"},
				"period2_from":    map[string]any{"type": "string", "description": "YYYY-MM-DD"},
				"period2_to":      map[string]any{"type": "string", "description": "YYYY-MM-DD"},
				"group_by":        map[string]any{"type": "string"},
				"filters":         map[string]any{"type": "object"},
			},
		},
	}
}

func (c *compareTool) Execute(ctx domain.Context, args json.RawMessage) (string, error) {
	var in struct {
		ConnectionName string         `json:"connection_name"`
		Operation      string         `json:"operation"`
		Field          string         `json:"field"`
		DateField      string         `json:"date_field"`
		Period1From    string         `json:"period1_from"`
		Period1To      string         `json:"period1_to"`
		Period2From    string         `json:"period2_from"`
		Period2To      string         `json:"period2_to"`
		GroupBy        string         `json:"group_by"`
		Filters        map[string]any `json:"filters"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if in.DateField == "" {
		return "", fmt.Errorf("date_field is required: %w", domain.ErrToolFailed)
	}
	conns, err := c.t.userConnections(ctx, c.userID)
	if err != nil {
		return "", err
	}
	conn, err := findConnection(conns, in.ConnectionName)
	if err != nil {
		return "", err
	}

	period := func(from, to string) (float64, []map[string]any, error) {
		results, err := c.t.runAggregation(ctx, conn.ID, aggregateArgs{
			Operation: in.Operation,
			Field:     in.Field,
			GroupBy:   in.GroupBy,
			Filters:   in.Filters,
			DateField: in.DateField,
			DateFrom:  from,
			DateTo:    to,
		})
		if err != nil {
			return 0, nil, err
		}
		var total float64
		for _, doc := range results {
			total += toFloat(doc["value"])
		}
		return total, results, nil
	}

	p1, groups1, err := period(in.Period1From, in.Period1To)
	if err != nil {
		return "", err
	}
	p2, groups2, err := period(in.Period2From, in.Period2To)
	if err != nil {
		return "", err
	}

	var pctChange *float64
	if p1 != 0 {
		pct := (p2 - p1) / p1 * 100
		pctChange = &pct
	}
	out := map[string]any{
		"period1_value":     p1,
		"period2_value":     p2,
		"difference":        p2 - p1,
		"percentage_change": pctChange,
	}
	if in.GroupBy != "" {
		out["period1_groups"] = groupEntries(groups1)
		out["period2_groups"] = groupEntries(groups2)
	}
	return serialize(out)
}

func groupEntries(results []map[string]any) []map[string]any {
	entries := make([]map[string]any, 0, len(results))
	for i, doc := range results {
		if i >= maxSerializedRows {
			break
		}
		entries = append(entries, map[string]any{"group": doc["_id"], "value": doc["value"]})
	}
	return entries
}

func toFloat(v any) float64 {
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

// run_custom_pipeline

type pipelineTool struct {
	t      *Tools
	userID string
}

func (p *pipelineTool) Spec() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        ToolCustomPipeline,
		Description: "Run a custom MongoDB aggregation pipeline over one connection's rows for questions the other tools cannot answer. Mapped fields live under the data. prefix. Results are capped at 1000 documents.",
		Parameters: map[string]any{
			"type":     "object",
			"required": []string{"connection_name", "pipeline", "description"},
			"properties": map[string]any{
				"connection_name": map[string]any{"type": "string"},
				"pipeline": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "object"},
					"description": "Aggregation stages. Allowed: match, group, sort, limit, project, lookup, unwind, count, skip, addFields.",
				},
				"description": map[string]any{"type": "string", "description": "What the pipeline computes, in one sentence."},
			},
		},
	}
}

func (p *pipelineTool) Execute(ctx domain.Context, args json.RawMessage) (string, error) {
	var in struct {
		ConnectionName string           `json:"connection_name"`
		Pipeline       []map[string]any `json:"pipeline"`
		Description    string           `json:"description"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if len(in.Pipeline) == 0 {
		return "", fmt.Errorf("pipeline must have at least one stage: %w", domain.ErrToolFailed)
	}
	conns, err := p.t.userConnections(ctx, p.userID)
	if err != nil {
		return "", err
	}
	conn, err := findConnection(conns, in.ConnectionName)
	if err != nil {
		return "", err
	}

	owned := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		owned[c.ID] = struct{}{}
	}
	sanitized, err := ValidatePipeline(in.Pipeline, owned)
	if err != nil {
		return "", fmt.Errorf("pipeline rejected: %w: %w", err, domain.ErrToolFailed)
	}

	results, err := p.t.rows.Aggregate(ctx, conn.ID, sanitized)
	if err != nil {
		return "", fmt.Errorf("pipeline execution failed: %v: %w", err, domain.ErrToolFailed)
	}
	return serialize(map[string]any{"description": in.Description, "results": results})
}
