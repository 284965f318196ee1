package crawler

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sellsight/sellsight/internal/domain"
)

// ErrSkipped marks a task whose connection vanished or was disabled after
// enqueue. The worker acks without retrying or emitting events.
var ErrSkipped = errors.New("sync skipped")

// PreviewRowLimit bounds rows returned during connection setup.
const PreviewRowLimit = 50

// Service runs sync passes for connections.
type Service struct {
	connections domain.ConnectionRepo
	states      domain.SyncStateRepo
	rows        domain.SheetRowRepo
	fetcher     domain.SheetFetcher
	cache       domain.AnalyticsCache
	notifier    domain.Notifier
}

func NewService(
	connections domain.ConnectionRepo,
	states domain.SyncStateRepo,
	rows domain.SheetRowRepo,
	fetcher domain.SheetFetcher,
	cache domain.AnalyticsCache,
	notifier domain.Notifier,
) *Service {
	return &Service{
		connections: connections,
		states:      states,
		rows:        rows,
		fetcher:     fetcher,
		cache:       cache,
		notifier:    notifier,
	}
}

// Sync performs one incremental pass over a connection's tab: fetch the
// header row, fetch everything past the cursor in one batch, map and
// upsert, advance the cursor, invalidate analytics. Every attempt closes
// with exactly one terminal event: sheet:sync:completed on success,
// sheet:sync:failed on any error after started was emitted.
func (s *Service) Sync(ctx domain.Context, task domain.SyncTask) (domain.SyncResult, error) {
	conn, err := s.connections.Get(ctx, task.ConnectionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.SyncResult{}, fmt.Errorf("op=crawler.Sync: connection %s gone: %w", task.ConnectionID, ErrSkipped)
		}
		return domain.SyncResult{}, fmt.Errorf("op=crawler.Sync: %w", err)
	}
	if !conn.Enabled {
		return domain.SyncResult{}, fmt.Errorf("op=crawler.Sync: connection %s disabled: %w", task.ConnectionID, ErrSkipped)
	}

	s.notifier.EmitToUser(ctx, conn.UserID, domain.EventSyncStarted, map[string]any{
		"connection_id": conn.ID,
	})
	if err := s.states.MarkSyncing(ctx, conn.ID); err != nil {
		slog.Warn("marking sync state syncing failed", slog.String("connection_id", conn.ID), slog.Any("error", err))
	}

	result, err := s.syncPass(ctx, conn)
	if err != nil {
		if stateErr := s.states.RecordError(ctx, conn.ID, err.Error()); stateErr != nil {
			slog.Warn("recording sync error failed", slog.String("connection_id", conn.ID), slog.Any("error", stateErr))
		}
		s.notifier.EmitToUser(ctx, conn.UserID, domain.EventSyncFailed, map[string]any{
			"connection_id": conn.ID,
			"error":         err.Error(),
		})
		return domain.SyncResult{}, fmt.Errorf("op=crawler.Sync: %w", err)
	}

	s.notifier.EmitToUser(ctx, conn.UserID, domain.EventSyncCompleted, map[string]any{
		"connection_id": conn.ID,
		"rows_synced":   result.RowsSynced,
		"total_rows":    result.TotalRows,
	})
	return result, nil
}

func (s *Service) syncPass(ctx domain.Context, conn domain.Connection) (domain.SyncResult, error) {
	state, err := s.states.Get(ctx, conn.ID)
	if err != nil {
		return domain.SyncResult{}, err
	}

	// Raising data_start_row after a sync must not re-fetch rows before it.
	startRow := conn.DataStartRow
	if state.LastSyncedRow+1 > startRow {
		startRow = state.LastSyncedRow + 1
	}

	headers, err := s.fetcher.Headers(ctx, conn.SpreadsheetID, conn.SheetName, conn.HeaderRow)
	if err != nil {
		return domain.SyncResult{}, err
	}
	bound, err := resolveColumns(headers, conn.Mappings)
	if err != nil {
		return domain.SyncResult{}, err
	}

	values, err := s.fetcher.Rows(ctx, conn.SpreadsheetID, conn.SheetName, startRow)
	if err != nil {
		return domain.SyncResult{}, err
	}

	now := time.Now().UTC()
	current := startRow
	synced := make([]domain.SheetRow, 0, len(values))
	for _, row := range values {
		if isBlankRow(row) {
			// Blank rows advance the cursor without storing anything.
			current++
			continue
		}
		data, raw := mapRow(headers, bound, row)
		synced = append(synced, domain.SheetRow{
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			RowNumber:    current,
			Data:         data,
			Raw:          raw,
			SyncedAt:     now,
		})
		current++
	}

	if err := s.rows.Upsert(ctx, synced); err != nil {
		return domain.SyncResult{}, err
	}
	if err := s.states.Advance(ctx, conn.ID, current-1, len(synced)); err != nil {
		return domain.SyncResult{}, err
	}
	if err := s.cache.Invalidate(ctx, conn.ID); err != nil {
		// Stale analytics expire with the TTL; not worth failing the sync.
		slog.Warn("analytics cache invalidation failed",
			slog.String("connection_id", conn.ID),
			slog.Any("error", err))
	}

	return domain.SyncResult{
		RowsSynced: len(synced),
		TotalRows:  state.TotalRows + len(synced),
	}, nil
}

// Preview fetches the header row plus a bounded sample of data rows so the
// UI can assist with mapping setup. Nothing is persisted.
func (s *Service) Preview(ctx domain.Context, connectionID string) (domain.SheetPreview, error) {
	conn, err := s.connections.Get(ctx, connectionID)
	if err != nil {
		return domain.SheetPreview{}, fmt.Errorf("op=crawler.Preview: %w", err)
	}
	headers, err := s.fetcher.Headers(ctx, conn.SpreadsheetID, conn.SheetName, conn.HeaderRow)
	if err != nil {
		return domain.SheetPreview{}, fmt.Errorf("op=crawler.Preview: %w", err)
	}
	values, err := s.fetcher.Rows(ctx, conn.SpreadsheetID, conn.SheetName, conn.DataStartRow)
	if err != nil {
		return domain.SheetPreview{}, fmt.Errorf("op=crawler.Preview: %w", err)
	}

	total := 0
	rows := make([]map[string]string, 0, PreviewRowLimit)
	for _, row := range values {
		if isBlankRow(row) {
			continue
		}
		total++
		if len(rows) >= PreviewRowLimit {
			continue
		}
		rec := make(map[string]string, len(headers))
		for i, h := range headers {
			key := trimmedOr(h, fmt.Sprintf("column_%d", i+1))
			rec[key] = cellAt(row, i)
		}
		rows = append(rows, rec)
	}
	return domain.SheetPreview{Headers: headers, Rows: rows, TotalRows: total}, nil
}

func trimmedOr(s, fallback string) string {
	if t := strings.TrimSpace(s); t != "" {
		return t
	}
	return fallback
}
