package dataquery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellsight/sellsight/internal/domain"
)

type fakeConnections struct {
	conns []domain.Connection
}

func (f *fakeConnections) Get(_ domain.Context, id string) (domain.Connection, error) {
	for _, c := range f.conns {
		if c.ID == id {
			return c, nil
		}
	}
	return domain.Connection{}, domain.ErrNotFound
}

func (f *fakeConnections) ListByUser(_ domain.Context, userID string) ([]domain.Connection, error) {
	var out []domain.Connection
	for _, c := range f.conns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConnections) ListEnabled(domain.Context) ([]domain.Connection, error) { return nil, nil }

type fakeRows struct {
	aggregateRes [][]map[string]any // consumed call by call
	findRows     []domain.SheetRow

	aggregated []struct {
		ConnectionID string
		Pipeline     []map[string]any
	}
}

func (f *fakeRows) Upsert(domain.Context, []domain.SheetRow) error { return nil }

func (f *fakeRows) Find(domain.Context, domain.RowQuery) ([]domain.SheetRow, int64, error) {
	return f.findRows, int64(len(f.findRows)), nil
}

func (f *fakeRows) Aggregate(_ domain.Context, connectionID string, pipeline []map[string]any) ([]map[string]any, error) {
	f.aggregated = append(f.aggregated, struct {
		ConnectionID string
		Pipeline     []map[string]any
	}{connectionID, pipeline})
	if len(f.aggregateRes) == 0 {
		return nil, nil
	}
	res := f.aggregateRes[0]
	f.aggregateRes = f.aggregateRes[1:]
	return res, nil
}

func (f *fakeRows) DeleteByConnection(domain.Context, string) error { return nil }

func testConnections() []domain.Connection {
	return []domain.Connection{
		{
			ID: "conn-1", UserID: "u1", SheetName: "Orders",
			Mappings: []domain.ColumnMapping{
				{Field: "order_id", Type: domain.ColumnString},
				{Field: "total_amount", Type: domain.ColumnNumber},
			},
		},
		{ID: "conn-2", UserID: "u1", SheetName: "Order Items"},
		{ID: "conn-x", UserID: "someone-else", SheetName: "Orders"},
	}
}

func toolByName(t *testing.T, tools *Tools, userID, name string) interface {
	Execute(ctx domain.Context, args json.RawMessage) (string, error)
} {
	t.Helper()
	for _, tool := range tools.ForUser(userID) {
		if tool.Spec().Name == name {
			return tool
		}
	}
	t.Fatalf("no tool named %s", name)
	return nil
}

func run(t *testing.T, tools *Tools, userID, name string, args map[string]any) (map[string]any, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	out, err := toolByName(t, tools, userID, name).Execute(context.Background(), raw)
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	return decoded, nil
}

func TestSchemaToolListsFieldsAndSamples(t *testing.T) {
	t.Parallel()
	rows := &fakeRows{findRows: []domain.SheetRow{
		{Data: map[string]any{"order_id": "ORD-1", "total_amount": 100.0}},
		{Data: map[string]any{"order_id": "ORD-2", "total_amount": 200.0}},
		{Data: map[string]any{"order_id": "ORD-3", "total_amount": 300.0}},
		{Data: map[string]any{"order_id": "ORD-4", "total_amount": 400.0}},
	}}
	tools := New(&fakeConnections{conns: testConnections()}, rows)

	raw, _ := json.Marshal(map[string]any{"connection_name": "orders"})
	out, err := toolByName(t, tools, "u1", ToolGetSchema).Execute(context.Background(), raw)
	require.NoError(t, err)

	var decoded []struct {
		Name      string `json:"name"`
		SheetType string `json:"sheet_type"`
		Fields    []struct {
			Name         string   `json:"name"`
			DataType     string   `json:"data_type"`
			SampleValues []string `json:"sample_values"`
		} `json:"fields"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 1, "connection_name matching is case-insensitive")
	assert.Equal(t, "Orders", decoded[0].Name)
	assert.Equal(t, "orders", decoded[0].SheetType)
	require.Len(t, decoded[0].Fields, 2)
	assert.Equal(t, "order_id", decoded[0].Fields[0].Name)
	assert.Len(t, decoded[0].Fields[0].SampleValues, 3, "samples cap at three per field")
}

func TestToolsRequireConnections(t *testing.T) {
	t.Parallel()
	tools := New(&fakeConnections{}, &fakeRows{})

	_, err := run(t, tools, "nobody", ToolGetSchema, nil)
	assert.ErrorIs(t, err, domain.ErrToolFailed)
}

func TestToolsCannotSeeOtherUsersConnections(t *testing.T) {
	t.Parallel()
	rows := &fakeRows{}
	tools := New(&fakeConnections{conns: testConnections()}, rows)

	// u1 also has an "Orders" tab, so name another user's data explicitly:
	// someone-else's connection is simply not in u1's namespace.
	_, err := run(t, tools, "someone-else", ToolAggregateData, map[string]any{
		"connection_name": "order items", "operation": "count",
	})
	assert.ErrorIs(t, err, domain.ErrToolFailed)
	assert.Empty(t, rows.aggregated, "nothing runs for a connection outside the caller's namespace")
}

func TestAggregateToolBuildsPipeline(t *testing.T) {
	t.Parallel()
	rows := &fakeRows{aggregateRes: [][]map[string]any{
		{{"_id": "Shopee", "value": 900.0}, {"_id": "Lazada", "value": 400.0}},
	}}
	tools := New(&fakeConnections{conns: testConnections()}, rows)

	out, err := run(t, tools, "u1", ToolAggregateData, map[string]any{
		"connection_name": "Orders",
		"operation":       "sum",
		"field":           "total_amount",
		"group_by":        "platform",
		"filters":         map[string]any{"order_status": "completed"},
		"date_field":      "order_date",
		"date_from":       "2024-01-01",
		"date_to":         "2024-01-31",
	})
	require.NoError(t, err)

	results := out["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	assert.Equal(t, "Shopee", first["group"])
	assert.EqualValues(t, 900, first["value"])

	require.Len(t, rows.aggregated, 1)
	call := rows.aggregated[0]
	assert.Equal(t, "conn-1", call.ConnectionID)
	require.Len(t, call.Pipeline, 3)
	match := call.Pipeline[0]["$match"].(map[string]any)
	assert.Equal(t, "completed", match["data.order_status"])
	rng := match["data.order_date"].(map[string]any)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), rng["$gte"])
	// A date-only upper bound covers the whole closing day.
	assert.Equal(t, time.Date(2024, 1, 31, 23, 59, 59, 999999999, time.UTC), rng["$lte"])
	group := call.Pipeline[1]["$group"].(map[string]any)
	assert.Equal(t, "$data.platform", group["_id"])
	assert.Equal(t, map[string]any{"$sum": "$data.total_amount"}, group["value"])
}

func TestAggregateToolArgumentErrors(t *testing.T) {
	t.Parallel()
	tools := New(&fakeConnections{conns: testConnections()}, &fakeRows{})

	_, err := run(t, tools, "u1", ToolAggregateData, map[string]any{
		"connection_name": "Orders", "operation": "sum",
	})
	assert.ErrorIs(t, err, domain.ErrToolFailed, "sum needs a field")

	_, err = run(t, tools, "u1", ToolAggregateData, map[string]any{
		"connection_name": "Orders", "operation": "median", "field": "total_amount",
	})
	assert.ErrorIs(t, err, domain.ErrToolFailed)

	_, err = run(t, tools, "u1", ToolAggregateData, map[string]any{
		"connection_name": "Orders", "operation": "count", "date_from": "2024-01-01",
	})
	assert.ErrorIs(t, err, domain.ErrToolFailed, "date filters need a date_field")

	_, err = run(t, tools, "u1", ToolAggregateData, map[string]any{
		"connection_name": "Ghost Tab", "operation": "count",
	})
	assert.ErrorIs(t, err, domain.ErrToolFailed)
}

func TestTopToolRawRows(t *testing.T) {
	t.Parallel()
	rows := &fakeRows{aggregateRes: [][]map[string]any{
		{{"row_number": 7, "data": map[string]any{"order_id": "ORD-7"}}},
	}}
	tools := New(&fakeConnections{conns: testConnections()}, rows)

	out, err := run(t, tools, "u1", ToolTopData, map[string]any{
		"connection_name": "Orders", "sort_field": "total_amount",
	})
	require.NoError(t, err)
	require.Len(t, out["results"].([]any), 1)

	pipeline := rows.aggregated[0].Pipeline
	require.Len(t, pipeline, 3)
	assert.Equal(t, map[string]any{"data.total_amount": -1}, pipeline[0]["$sort"])
	assert.Equal(t, 10, pipeline[1]["$limit"], "limit defaults to 10")
	assert.Contains(t, pipeline[2], "$project")
}

func TestTopToolGroupedCapsLimit(t *testing.T) {
	t.Parallel()
	rows := &fakeRows{aggregateRes: [][]map[string]any{{}}}
	tools := New(&fakeConnections{conns: testConnections()}, rows)

	_, err := run(t, tools, "u1", ToolTopData, map[string]any{
		"connection_name": "Orders",
		"sort_field":      "total_amount",
		"sort_order":      "asc",
		"group_by":        "platform",
		"aggregate_field": "total_amount",
		"limit":           100000,
	})
	require.NoError(t, err)

	pipeline := rows.aggregated[0].Pipeline
	require.Len(t, pipeline, 3)
	group := pipeline[0]["$group"].(map[string]any)
	assert.Equal(t, "$data.platform", group["_id"])
	assert.Equal(t, map[string]any{"value": 1}, pipeline[1]["$sort"])
	assert.Equal(t, maxSerializedRows, pipeline[2]["$limit"])
}

func TestCompareToolPercentageChange(t *testing.T) {
	t.Parallel()
	rows := &fakeRows{aggregateRes: [][]map[string]any{
		{{"_id": nil, "value": 100.0}},
		{{"_id": nil, "value": 150.0}},
	}}
	tools := New(&fakeConnections{conns: testConnections()}, rows)

	out, err := run(t, tools, "u1", ToolComparePeriods, map[string]any{
		"connection_name": "Orders",
		"operation":       "sum",
		"field":           "total_amount",
		"date_field":      "order_date",
		"period1_from":    "2024-01-01", "period1_to": "2024-01-31",
		"period2_from": "2024-02-01", "period2_to": "2024-02-29",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 100, out["period1_value"])
	assert.EqualValues(t, 150, out["period2_value"])
	assert.EqualValues(t, 50, out["difference"])
	assert.EqualValues(t, 50, out["percentage_change"])
	assert.Len(t, rows.aggregated, 2, "one aggregation per period")
}

func TestCompareToolZeroBaselineHasNullChange(t *testing.T) {
	t.Parallel()
	rows := &fakeRows{aggregateRes: [][]map[string]any{
		{}, // period 1: no rows
		{{"_id": nil, "value": 80.0}},
	}}
	tools := New(&fakeConnections{conns: testConnections()}, rows)

	out, err := run(t, tools, "u1", ToolComparePeriods, map[string]any{
		"connection_name": "Orders",
		"operation":       "sum",
		"field":           "total_amount",
		"date_field":      "order_date",
		"period1_from":    "2024-01-01", "period1_to": "2024-01-31",
		"period2_from": "2024-02-01", "period2_to": "2024-02-29",
	})
	require.NoError(t, err)
	change, present := out["percentage_change"]
	assert.True(t, present)
	assert.Nil(t, change, "division by a zero baseline reports null, not infinity")
}

func TestPipelineToolSanitizesBeforeRunning(t *testing.T) {
	t.Parallel()
	rows := &fakeRows{aggregateRes: [][]map[string]any{{{"n": 3.0}}}}
	tools := New(&fakeConnections{conns: testConnections()}, rows)

	out, err := run(t, tools, "u1", ToolCustomPipeline, map[string]any{
		"connection_name": "Orders",
		"description":     "count completed orders",
		"pipeline": []map[string]any{
			{"match": map[string]any{"data.order_status": "completed"}},
			{"count": "n"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "count completed orders", out["description"])

	pipeline := rows.aggregated[0].Pipeline
	require.Len(t, pipeline, 3)
	assert.Contains(t, pipeline[0], "$match")
	assert.Equal(t, map[string]any{"$limit": MaxPipelineResults}, pipeline[2])
}

func TestPipelineToolRejectsForeignLookup(t *testing.T) {
	t.Parallel()
	rows := &fakeRows{}
	tools := New(&fakeConnections{conns: testConnections()}, rows)

	_, err := run(t, tools, "u1", ToolCustomPipeline, map[string]any{
		"connection_name": "Orders",
		"description":     "join against another tenant",
		"pipeline": []map[string]any{
			{"$lookup": map[string]any{"from": "conn-x", "localField": "a", "foreignField": "b", "as": "j"}},
		},
	})
	assert.ErrorIs(t, err, domain.ErrToolFailed)
	assert.ErrorIs(t, err, domain.ErrForbiddenLookup)
	assert.Empty(t, rows.aggregated)
}
