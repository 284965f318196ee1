// Package domain holds core types and ports for the sellsight backend.
//
// Entities carry no storage or transport concerns; adapters depend on this
// package, never the other way around.
package domain

import (
	"time"
)

// SheetType classifies a connected tab by what the analytics engine can do
// with it. Detection matches the lowercased tab title exactly; anything
// unrecognized is treated as orders.
type SheetType string

const (
	SheetTypeOrders     SheetType = "orders"
	SheetTypeOrderItems SheetType = "order_items"
	SheetTypeCustomers  SheetType = "customers"
	SheetTypeProducts   SheetType = "products"
)

// DetectSheetType maps a sheet tab name to its type. Unknown names default
// to orders so a renamed tab still syncs and gets the richest strategy.
func DetectSheetType(sheetName string) SheetType {
	switch normalizeSheetName(sheetName) {
	case "order_items", "order items", "orderitems", "line_items", "line items":
		return SheetTypeOrderItems
	case "customers", "customer":
		return SheetTypeCustomers
	case "products", "product":
		return SheetTypeProducts
	default:
		return SheetTypeOrders
	}
}

func normalizeSheetName(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b = append(b, c)
	}
	return trimSpaces(string(b))
}

func trimSpaces(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// ColumnType drives cell coercion during mapping.
type ColumnType string

const (
	ColumnString  ColumnType = "string"
	ColumnNumber  ColumnType = "number"
	ColumnInteger ColumnType = "integer"
	ColumnDate    ColumnType = "date"
)

// ColumnMapping binds one spreadsheet column to a document field. Exactly
// one of Column (letter, e.g. "A", "AA") or Header (header-row cell text)
// identifies the source column.
type ColumnMapping struct {
	Field    string     `json:"field" bson:"field"`
	Column   string     `json:"column,omitempty" bson:"column,omitempty"`
	Header   string     `json:"header,omitempty" bson:"header,omitempty"`
	Type     ColumnType `json:"type" bson:"type"`
	Required bool       `json:"required" bson:"required"`
}

// Connection is a tenant's link to one tab of one Google spreadsheet.
type Connection struct {
	ID            string          `bson:"_id"`
	UserID        string          `bson:"user_id"`
	SpreadsheetID string          `bson:"spreadsheet_id"`
	SheetName     string          `bson:"sheet_name"`
	HeaderRow     int             `bson:"header_row"`
	DataStartRow  int             `bson:"data_start_row"`
	Mappings      []ColumnMapping `bson:"mappings"`
	Enabled       bool            `bson:"enabled"`
	CreatedAt     time.Time       `bson:"created_at"`
	UpdatedAt     time.Time       `bson:"updated_at"`
	DeletedAt     *time.Time      `bson:"deleted_at,omitempty"`
}

// SheetType returns the detected type of the connection's tab.
func (c Connection) SheetType() SheetType { return DetectSheetType(c.SheetName) }

// SyncStatus is the lifecycle state of a connection's sync.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// SyncState tracks the incremental cursor for one connection.
type SyncState struct {
	ConnectionID  string     `bson:"_id"`
	Status        SyncStatus `bson:"status"`
	LastSyncedRow int        `bson:"last_synced_row"`
	TotalRows     int        `bson:"total_rows"`
	LastSyncedAt  *time.Time `bson:"last_synced_at,omitempty"`
	LastError     string     `bson:"last_error,omitempty"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

// SheetRow is one synced spreadsheet row. Data holds mapped+coerced fields;
// Raw keeps the header→cell map exactly as fetched.
type SheetRow struct {
	ConnectionID string            `bson:"connection_id"`
	UserID       string            `bson:"user_id"`
	RowNumber    int               `bson:"row_number"`
	Data         map[string]any    `bson:"data"`
	Raw          map[string]string `bson:"raw"`
	SyncedAt     time.Time         `bson:"synced_at"`
}

// SyncTask is the queue payload asking a worker to sync one connection.
type SyncTask struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	RetryCount   int    `json:"retry_count"`
}

// SyncResult summarizes one completed sync pass.
type SyncResult struct {
	RowsSynced int `json:"rows_synced"`
	TotalRows  int `json:"total_rows"`
}

// SheetPreview is a bounded sample of a tab used during connection setup.
type SheetPreview struct {
	Headers   []string            `json:"headers"`
	Rows      []map[string]string `json:"rows"`
	TotalRows int                 `json:"total_rows"`
}

// ConnectionRepo persists connections.
type ConnectionRepo interface {
	Get(ctx Context, id string) (Connection, error)
	// ListByUser returns the user's non-deleted connections.
	ListByUser(ctx Context, userID string) ([]Connection, error)
	ListEnabled(ctx Context) ([]Connection, error)
}

// SyncStateRepo persists per-connection sync cursors.
type SyncStateRepo interface {
	Get(ctx Context, connectionID string) (SyncState, error)
	// MarkSyncing flags the state as syncing for the duration of a pass.
	MarkSyncing(ctx Context, connectionID string) error
	// Advance records a successful pass: moves the cursor (blank rows count,
	// so an all-blank fetch still advances it), adds rowsSynced to the
	// total, stamps last_synced_at, clears last_error, sets status success.
	Advance(ctx Context, connectionID string, lastSyncedRow, rowsSynced int) error
	// RecordError keeps the failure message and sets status failed.
	RecordError(ctx Context, connectionID string, msg string) error
	DeleteByConnection(ctx Context, connectionID string) error
}

// RowQuery selects sheet rows for listing.
type RowQuery struct {
	ConnectionID string
	Search       string // case-insensitive substring over searchable fields
	SearchFields []string
	SortField    string
	SortAsc      bool
	// DateField scopes rows to [DateFrom, DateTo] on a mapped date field.
	DateField string
	DateFrom  *time.Time
	DateTo    *time.Time
	Page      int // 1-based
	PageSize  int
}

// SheetRowRepo persists synced rows and runs aggregations over them.
type SheetRowRepo interface {
	// Upsert inserts or replaces by (connection_id, row_number).
	Upsert(ctx Context, rows []SheetRow) error
	Find(ctx Context, q RowQuery) ([]SheetRow, int64, error)
	Aggregate(ctx Context, connectionID string, pipeline []map[string]any) ([]map[string]any, error)
	DeleteByConnection(ctx Context, connectionID string) error
}

// SyncQueue hands sync tasks between the API process and workers.
// Delivery is at-least-once; a task is redelivered until acked.
type SyncQueue interface {
	Enqueue(ctx Context, task SyncTask) error
	// Dequeue blocks up to the poll timeout. ok is false when nothing
	// arrived; ack commits the delivery and must be called exactly once
	// for each received task.
	Dequeue(ctx Context) (task SyncTask, ack func(Context) error, ok bool, err error)
	Len(ctx Context) (int64, error)
}

// SheetFetcher reads spreadsheet data. Implementations must gate every
// underlying API call through the shared rate limiter.
type SheetFetcher interface {
	// Headers returns the header-row cells of the tab.
	Headers(ctx Context, spreadsheetID, sheetName string, headerRow int) ([]string, error)
	// Rows returns all rows from startRow (1-based, inclusive) to the end
	// of the tab in one batched fetch.
	Rows(ctx Context, spreadsheetID, sheetName string, startRow int) ([][]string, error)
	// CheckAccess verifies the service account can read the spreadsheet.
	CheckAccess(ctx Context, spreadsheetID string) error
}

// RateLimiter gates outbound Sheets API requests.
type RateLimiter interface {
	// Acquire blocks until n tokens are available in every bucket, or the
	// context is done. n greater than any bucket's capacity is an error.
	Acquire(ctx Context, n float64) error
}

// AnalyticsCache is the read-through cache for analytics responses.
// Backend failures degrade to cache misses and must never fail a request.
type AnalyticsCache interface {
	Get(ctx Context, connectionID, endpoint string, params map[string]any) ([]byte, bool)
	Set(ctx Context, connectionID, endpoint string, params map[string]any, payload []byte)
	Invalidate(ctx Context, connectionID string) error
}

// Notifier pushes real-time events to rooms. Emit failures are logged and
// swallowed; notification loss never fails the operation that emitted it.
type Notifier interface {
	// EmitToUser targets the user's own room.
	EmitToUser(ctx Context, userID, event string, payload map[string]any)
	// EmitToRoom targets an arbitrary named room.
	EmitToRoom(ctx Context, room, event string, payload map[string]any)
	// Broadcast targets every connected client.
	Broadcast(ctx Context, event string, payload map[string]any)
}

// Events emitted over the notifier. Names are part of the client contract.
const (
	EventSyncStarted   = "sheet:sync:started"
	EventSyncCompleted = "sheet:sync:completed"
	EventSyncFailed    = "sheet:sync:failed"

	EventChatStarted   = "chat:message:started"
	EventChatToken     = "chat:message:token"
	EventChatToolStart = "chat:message:tool_start"
	EventChatToolEnd   = "chat:message:tool_end"
	EventChatCompleted = "chat:message:completed"
	EventChatFailed    = "chat:message:failed"
)
