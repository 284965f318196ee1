package crawler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellsight/sellsight/internal/domain"
)

type fakeConnections struct {
	conns map[string]domain.Connection
}

func (f *fakeConnections) Get(_ domain.Context, id string) (domain.Connection, error) {
	c, ok := f.conns[id]
	if !ok {
		return domain.Connection{}, domain.ErrNotFound
	}
	return c, nil
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

func (f *fakeConnections) ListEnabled(domain.Context) ([]domain.Connection, error) {
	var out []domain.Connection
	for _, c := range f.conns {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeStates struct {
	mu       sync.Mutex
	states   map[string]domain.SyncState
	advanced []struct{ last, rows int }
	statuses []domain.SyncStatus
	errs     []string
}

func (f *fakeStates) Get(_ domain.Context, id string) (domain.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[id]; ok {
		return s, nil
	}
	return domain.SyncState{ConnectionID: id}, nil
}

func (f *fakeStates) MarkSyncing(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStatus(id, domain.SyncSyncing)
	return nil
}

func (f *fakeStates) Advance(_ domain.Context, id string, last, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		f.states = map[string]domain.SyncState{}
	}
	s := f.states[id]
	s.ConnectionID = id
	s.Status = domain.SyncSuccess
	s.LastSyncedRow = last
	s.TotalRows += rows
	f.states[id] = s
	f.statuses = append(f.statuses, domain.SyncSuccess)
	f.advanced = append(f.advanced, struct{ last, rows int }{last, rows})
	return nil
}

func (f *fakeStates) RecordError(_ domain.Context, id string, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStatus(id, domain.SyncFailed)
	f.errs = append(f.errs, msg)
	return nil
}

func (f *fakeStates) setStatus(id string, status domain.SyncStatus) {
	if f.states == nil {
		f.states = map[string]domain.SyncState{}
	}
	s := f.states[id]
	s.ConnectionID = id
	s.Status = status
	f.states[id] = s
	f.statuses = append(f.statuses, status)
}

func (f *fakeStates) DeleteByConnection(domain.Context, string) error { return nil }

type fakeRows struct {
	mu       sync.Mutex
	upserted []domain.SheetRow
}

func (f *fakeRows) Upsert(_ domain.Context, rows []domain.SheetRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, rows...)
	return nil
}

func (f *fakeRows) Find(domain.Context, domain.RowQuery) ([]domain.SheetRow, int64, error) {
	return nil, 0, nil
}

func (f *fakeRows) Aggregate(domain.Context, string, []map[string]any) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeRows) DeleteByConnection(domain.Context, string) error { return nil }

type fakeFetcher struct {
	headers   []string
	rows      [][]string
	headerErr error
	rowsErr   error
	gotStart  int
}

func (f *fakeFetcher) Headers(domain.Context, string, string, int) ([]string, error) {
	return f.headers, f.headerErr
}

func (f *fakeFetcher) Rows(_ domain.Context, _, _ string, startRow int) ([][]string, error) {
	f.gotStart = startRow
	return f.rows, f.rowsErr
}

func (f *fakeFetcher) CheckAccess(domain.Context, string) error { return nil }

type fakeCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeCache) Get(domain.Context, string, string, map[string]any) ([]byte, bool) {
	return nil, false
}
func (f *fakeCache) Set(domain.Context, string, string, map[string]any, []byte) {}
func (f *fakeCache) Invalidate(_ domain.Context, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, connectionID)
	return nil
}

type emittedEvent struct {
	UserID  string
	Event   string
	Payload map[string]any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (f *fakeNotifier) EmitToUser(_ domain.Context, userID, event string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emittedEvent{UserID: userID, Event: event, Payload: payload})
}

func (f *fakeNotifier) EmitToRoom(ctx domain.Context, room, event string, payload map[string]any) {
	f.EmitToUser(ctx, room, event, payload)
}

func (f *fakeNotifier) Broadcast(ctx domain.Context, event string, payload map[string]any) {
	f.EmitToUser(ctx, "", event, payload)
}

func (f *fakeNotifier) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Event
	}
	return out
}

func testConnection() domain.Connection {
	return domain.Connection{
		ID:            "c1",
		UserID:        "u1",
		SpreadsheetID: "sheet-1",
		SheetName:     "Orders",
		HeaderRow:     1,
		DataStartRow:  2,
		Enabled:       true,
		Mappings: []domain.ColumnMapping{
			{Field: "order_id", Column: "A", Type: domain.ColumnString, Required: true},
			{Field: "total_amount", Header: "Total", Type: domain.ColumnNumber},
		},
	}
}

func newTestService(conn domain.Connection, fetcher *fakeFetcher) (*Service, *fakeStates, *fakeRows, *fakeCache, *fakeNotifier) {
	states := &fakeStates{}
	rows := &fakeRows{}
	cache := &fakeCache{}
	notifier := &fakeNotifier{}
	svc := NewService(
		&fakeConnections{conns: map[string]domain.Connection{conn.ID: conn}},
		states, rows, fetcher, cache, notifier,
	)
	return svc, states, rows, cache, notifier
}

func TestSyncFirstPass(t *testing.T) {
	t.Parallel()
	conn := testConnection()
	fetcher := &fakeFetcher{
		headers: []string{"Order ID", "Total"},
		rows: [][]string{
			{"ORD-1", "100"},
			{"", "  "}, // blank row: skipped, cursor still advances
			{"ORD-3", "250,5"},
		},
	}
	svc, states, rows, cache, notifier := newTestService(conn, fetcher)

	result, err := svc.Sync(context.Background(), domain.SyncTask{ConnectionID: "c1", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, 2, result.RowsSynced)
	assert.Equal(t, 2, result.TotalRows)
	assert.Equal(t, 2, fetcher.gotStart, "first sync starts at data_start_row")

	require.Len(t, rows.upserted, 2)
	assert.Equal(t, 2, rows.upserted[0].RowNumber)
	assert.Equal(t, 4, rows.upserted[1].RowNumber)
	assert.Equal(t, 250.5, rows.upserted[1].Data["total_amount"])
	assert.Equal(t, "ORD-3", rows.upserted[1].Raw["Order ID"])

	// Cursor lands on the last examined row, blanks included.
	assert.Equal(t, 4, states.states["c1"].LastSyncedRow)
	assert.Equal(t, []string{"c1"}, cache.invalidated)
	assert.Equal(t, []string{domain.EventSyncStarted, domain.EventSyncCompleted}, notifier.names())

	last := notifier.events[len(notifier.events)-1]
	assert.Equal(t, 2, last.Payload["rows_synced"])
	assert.Equal(t, 2, last.Payload["total_rows"])
}

func TestSyncIncrementalPass(t *testing.T) {
	t.Parallel()
	conn := testConnection()
	fetcher := &fakeFetcher{
		headers: []string{"Order ID", "Total"},
		rows:    [][]string{{"ORD-10", "5"}},
	}
	svc, states, _, _, _ := newTestService(conn, fetcher)
	states.states = map[string]domain.SyncState{
		"c1": {ConnectionID: "c1", LastSyncedRow: 9, TotalRows: 8},
	}

	result, err := svc.Sync(context.Background(), domain.SyncTask{ConnectionID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 10, fetcher.gotStart, "resumes after the cursor")
	assert.Equal(t, 1, result.RowsSynced)
	assert.Equal(t, 9, result.TotalRows)
	assert.Equal(t, 10, states.states["c1"].LastSyncedRow)
}

func TestSyncNoNewRowsKeepsCursor(t *testing.T) {
	t.Parallel()
	conn := testConnection()
	fetcher := &fakeFetcher{headers: []string{"Order ID", "Total"}}
	svc, states, _, _, notifier := newTestService(conn, fetcher)
	states.states = map[string]domain.SyncState{
		"c1": {ConnectionID: "c1", LastSyncedRow: 20, TotalRows: 19},
	}

	result, err := svc.Sync(context.Background(), domain.SyncTask{ConnectionID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.RowsSynced)
	assert.Equal(t, 20, states.states["c1"].LastSyncedRow)
	assert.Equal(t, []string{domain.EventSyncStarted, domain.EventSyncCompleted}, notifier.names())
}

func TestSyncSkipsMissingAndDisabledConnections(t *testing.T) {
	t.Parallel()
	conn := testConnection()
	conn.Enabled = false
	fetcher := &fakeFetcher{}
	svc, _, _, _, notifier := newTestService(conn, fetcher)

	_, err := svc.Sync(context.Background(), domain.SyncTask{ConnectionID: "c1"})
	assert.ErrorIs(t, err, ErrSkipped)

	_, err = svc.Sync(context.Background(), domain.SyncTask{ConnectionID: "ghost"})
	assert.ErrorIs(t, err, ErrSkipped)

	assert.Empty(t, notifier.names(), "skipped syncs emit nothing")
}

func TestSyncMappingFailureRecordsError(t *testing.T) {
	t.Parallel()
	conn := testConnection()
	fetcher := &fakeFetcher{headers: []string{"Platform"}} // required Order ID column maps to empty header set
	conn.Mappings = []domain.ColumnMapping{
		{Field: "order_id", Header: "Order ID", Type: domain.ColumnString, Required: true},
	}
	svc, states, _, _, notifier := newTestService(conn, fetcher)

	_, err := svc.Sync(context.Background(), domain.SyncTask{ConnectionID: "c1", UserID: "u1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Len(t, states.errs, 1)
	assert.Contains(t, states.errs[0], "Order ID")
	// Every attempt closes with a terminal event, failures included.
	assert.Equal(t, []string{domain.EventSyncStarted, domain.EventSyncFailed}, notifier.names())
	last := notifier.events[len(notifier.events)-1]
	assert.Contains(t, last.Payload["error"], "Order ID")
}

func TestSyncEmitsFailedOnFetchError(t *testing.T) {
	t.Parallel()
	conn := testConnection()
	fetcher := &fakeFetcher{rowsErr: domain.ErrUpstreamTimeout, headers: []string{"Order ID", "Total"}}
	svc, states, _, _, notifier := newTestService(conn, fetcher)

	_, err := svc.Sync(context.Background(), domain.SyncTask{ConnectionID: "c1", UserID: "u1"})
	require.Error(t, err)
	assert.Equal(t, []string{domain.EventSyncStarted, domain.EventSyncFailed}, notifier.names())
	assert.Equal(t, domain.SyncFailed, states.states["c1"].Status)
}

func TestSyncStatusTransitions(t *testing.T) {
	t.Parallel()
	conn := testConnection()
	fetcher := &fakeFetcher{
		headers: []string{"Order ID", "Total"},
		rows:    [][]string{{"ORD-1", "1"}},
	}
	svc, states, _, _, _ := newTestService(conn, fetcher)

	_, err := svc.Sync(context.Background(), domain.SyncTask{ConnectionID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []domain.SyncStatus{domain.SyncSyncing, domain.SyncSuccess}, states.statuses)
	assert.Equal(t, domain.SyncSuccess, states.states["c1"].Status)
}

func TestSyncBlankOnlyPassAdvancesCursor(t *testing.T) {
	t.Parallel()
	conn := testConnection()
	fetcher := &fakeFetcher{
		headers: []string{"Order ID", "Total"},
		rows:    [][]string{{"", ""}, {"  "}},
	}
	svc, states, rows, _, _ := newTestService(conn, fetcher)
	states.states = map[string]domain.SyncState{
		"c1": {ConnectionID: "c1", LastSyncedRow: 9, TotalRows: 8},
	}

	result, err := svc.Sync(context.Background(), domain.SyncTask{ConnectionID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.RowsSynced)
	assert.Empty(t, rows.upserted)
	// Blanks past the cursor are never re-fetched.
	assert.Equal(t, 11, states.states["c1"].LastSyncedRow)
}

func TestSyncStartRowNeverPrecedesDataStart(t *testing.T) {
	t.Parallel()
	conn := testConnection()
	conn.DataStartRow = 10 // raised after earlier syncs
	fetcher := &fakeFetcher{headers: []string{"Order ID", "Total"}}
	svc, states, _, _, _ := newTestService(conn, fetcher)
	states.states = map[string]domain.SyncState{
		"c1": {ConnectionID: "c1", LastSyncedRow: 3},
	}

	_, err := svc.Sync(context.Background(), domain.SyncTask{ConnectionID: "c1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 10, fetcher.gotStart)
}

func TestPreviewBoundsRows(t *testing.T) {
	t.Parallel()
	conn := testConnection()
	var many [][]string
	for i := 0; i < PreviewRowLimit+10; i++ {
		many = append(many, []string{"ORD", "1"})
	}
	fetcher := &fakeFetcher{headers: []string{"Order ID", "Total"}, rows: many}
	svc, _, _, _, _ := newTestService(conn, fetcher)

	preview, err := svc.Preview(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, preview.Rows, PreviewRowLimit)
	assert.Equal(t, PreviewRowLimit+10, preview.TotalRows)
	assert.Equal(t, []string{"Order ID", "Total"}, preview.Headers)
}
