package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sellsight/sellsight/internal/adapter/notifier/redisnotify"
	"github.com/sellsight/sellsight/internal/config"
	"github.com/sellsight/sellsight/internal/domain"
	"github.com/sellsight/sellsight/internal/usecase/analytics"
	"github.com/sellsight/sellsight/internal/usecase/chat"
	"github.com/sellsight/sellsight/internal/usecase/conversation"
	"github.com/sellsight/sellsight/internal/usecase/crawler"
)

// chatRequestTimeout bounds one whole chat turn, agent loop included.
const chatRequestTimeout = 2 * time.Minute

// SyncQueue is the enqueue-side surface the API process needs. The Kafka
// producer satisfies it without joining the worker consumer group.
type SyncQueue interface {
	Enqueue(ctx domain.Context, task domain.SyncTask) error
	Len(ctx domain.Context) (int64, error)
}

// Server aggregates everything the HTTP handlers call into.
type Server struct {
	cfg         config.Config
	analytics   *analytics.Service
	crawler     *crawler.Service
	conv        *conversation.Service
	chat        *chat.Workflow
	queue       SyncQueue
	connections domain.ConnectionRepo
	states      domain.SyncStateRepo
	hub         *redisnotify.Hub
	validate    *validator.Validate
}

func NewServer(
	cfg config.Config,
	analyticsSvc *analytics.Service,
	crawlerSvc *crawler.Service,
	convSvc *conversation.Service,
	chatWf *chat.Workflow,
	queue SyncQueue,
	connections domain.ConnectionRepo,
	states domain.SyncStateRepo,
	hub *redisnotify.Hub,
) *Server {
	return &Server{
		cfg:         cfg,
		analytics:   analyticsSvc,
		crawler:     crawlerSvc,
		conv:        convSvc,
		chat:        chatWf,
		queue:       queue,
		connections: connections,
		states:      states,
		hub:         hub,
		validate:    validator.New(),
	}
}

// query parsing helpers

func parseDateParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			ts = ts.UTC()
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("%s must be YYYY-MM-DD: %w", name, domain.ErrInvalidArgument)
}

func parseIntParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", name, domain.ErrInvalidArgument)
	}
	return n, nil
}

func parseRange(r *http.Request) (analytics.DateRange, error) {
	from, err := parseDateParam(r, "date_from")
	if err != nil {
		return analytics.DateRange{}, err
	}
	to, err := parseDateParam(r, "date_to")
	if err != nil {
		return analytics.DateRange{}, err
	}
	// A date-only upper bound means "through that day".
	if to != nil && to.Hour() == 0 && to.Minute() == 0 && to.Second() == 0 {
		t := to.Add(24*time.Hour - time.Nanosecond)
		to = &t
	}
	return analytics.DateRange{From: from, To: to}, nil
}

// analytics endpoints

func (s *Server) AnalyticsSummaryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rng, err := parseRange(r)
		if err != nil {
			writeError(w, err)
			return
		}
		out, err := s.analytics.Summary(r.Context(), userID(r), chi.URLParam(r, "id"), rng)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) AnalyticsTimeSeriesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rng, err := parseRange(r)
		if err != nil {
			writeError(w, err)
			return
		}
		q := analytics.TimeSeriesQuery{
			Period: analytics.Period(r.URL.Query().Get("period")),
			Range:  rng,
		}
		if q.Period == "" {
			q.Period = analytics.PeriodDay
		}
		if metrics, ok := r.URL.Query()["metrics"]; ok {
			q.Metrics = metrics
		}
		out, err := s.analytics.TimeSeries(r.Context(), userID(r), chi.URLParam(r, "id"), q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func (s *Server) AnalyticsDistributionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := s.analytics.Distribution(r.Context(), userID(r), chi.URLParam(r, "id"), r.URL.Query().Get("field"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func (s *Server) AnalyticsTopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseIntParam(r, "limit")
		if err != nil {
			writeError(w, err)
			return
		}
		q := analytics.TopQuery{
			Field:  r.URL.Query().Get("field"),
			Metric: r.URL.Query().Get("metric"),
			Limit:  limit,
		}
		out, err := s.analytics.Top(r.Context(), userID(r), chi.URLParam(r, "id"), q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func (s *Server) AnalyticsDataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rng, err := parseRange(r)
		if err != nil {
			writeError(w, err)
			return
		}
		page, err := parseIntParam(r, "page")
		if err != nil {
			writeError(w, err)
			return
		}
		pageSize, err := parseIntParam(r, "page_size")
		if err != nil {
			writeError(w, err)
			return
		}
		q := analytics.DataQuery{
			Search:    r.URL.Query().Get("search"),
			SortField: r.URL.Query().Get("sort"),
			SortOrder: r.URL.Query().Get("order"),
			Range:     rng,
			Page:      page,
			PageSize:  pageSize,
		}
		out, err := s.analytics.Data(r.Context(), userID(r), chi.URLParam(r, "id"), q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// sync endpoints

// TriggerSyncHandler enqueues one sync task for a connection the caller
// owns. The worker picks it up; progress arrives over the event stream.
func (s *Server) TriggerSyncHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		conn, err := s.connections.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if conn.UserID != uid {
			writeError(w, fmt.Errorf("connection %s: %w", conn.ID, domain.ErrNotFound))
			return
		}
		if !conn.Enabled {
			writeError(w, fmt.Errorf("connection %s is disabled: %w", conn.ID, domain.ErrInvalidArgument))
			return
		}
		task := domain.SyncTask{ConnectionID: conn.ID, UserID: uid}
		if err := s.queue.Enqueue(r.Context(), task); err != nil {
			writeError(w, fmt.Errorf("enqueue: %w", domain.ErrUnavailable))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "connection_id": conn.ID})
	}
}

func (s *Server) SyncStateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		conn, err := s.connections.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if conn.UserID != uid {
			writeError(w, fmt.Errorf("connection %s: %w", conn.ID, domain.ErrNotFound))
			return
		}
		state, err := s.states.Get(r.Context(), conn.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		status := state.Status
		if status == "" {
			status = domain.SyncPending
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"connection_id":   state.ConnectionID,
			"status":          status,
			"last_synced_row": state.LastSyncedRow,
			"total_rows":      state.TotalRows,
			"last_synced_at":  state.LastSyncedAt,
			"last_error":      state.LastError,
		})
	}
}

func (s *Server) PreviewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		conn, err := s.connections.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if conn.UserID != uid {
			writeError(w, fmt.Errorf("connection %s: %w", conn.ID, domain.ErrNotFound))
			return
		}
		preview, err := s.crawler.Preview(r.Context(), conn.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, preview)
	}
}

// conversation endpoints

func (s *Server) CreateConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.conv.Create(r.Context(), userID(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func (s *Server) ListConversationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := parseIntParam(r, "page")
		if err != nil {
			writeError(w, err)
			return
		}
		pageSize, err := parseIntParam(r, "page_size")
		if err != nil {
			writeError(w, err)
			return
		}
		q := domain.ConversationQuery{
			UserID:   userID(r),
			Status:   domain.ConversationStatus(r.URL.Query().Get("status")),
			Search:   r.URL.Query().Get("search"),
			Page:     page,
			PageSize: pageSize,
		}
		out, total, err := s.conv.List(r.Context(), q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": out, "total": total})
	}
}

// GetConversationHandler fetches one conversation by id. With
// include_deleted=true a soft-deleted conversation is still returned.
func (s *Server) GetConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			c   domain.Conversation
			err error
		)
		if includeDeleted(r) {
			c, err = s.conv.GetIncludeDeleted(r.Context(), userID(r), chi.URLParam(r, "id"))
		} else {
			c, err = s.conv.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) ListMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseIntParam(r, "limit")
		if err != nil {
			writeError(w, err)
			return
		}
		var out []domain.Message
		if includeDeleted(r) {
			out, err = s.conv.MessagesIncludeDeleted(r.Context(), userID(r), chi.URLParam(r, "id"), limit)
		} else {
			out, err = s.conv.Messages(r.Context(), userID(r), chi.URLParam(r, "id"), limit)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func includeDeleted(r *http.Request) bool {
	return r.URL.Query().Get("include_deleted") == "true"
}

func (s *Server) DeleteConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.conv.Delete(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type sendMessageRequest struct {
	Content string `json:"content" validate:"required,min=1,max=4000"`
}

// SendMessageHandler runs one chat turn. Tokens and tool events stream
// over the user's room while this request is in flight; the response body
// carries the persisted assistant message.
func (s *Server) SendMessageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("malformed body: %w", domain.ErrInvalidArgument))
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, fmt.Errorf("content is required: %w", domain.ErrInvalidArgument))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), chatRequestTimeout)
		defer cancel()
		msg, err := s.chat.Run(ctx, userID(r), chi.URLParam(r, "id"), req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

// EventsHandler streams the caller's room over SSE. The WebSocket gateway
// terminates sockets in front of this service; SSE keeps a transport-free
// fallback and is what the tests exercise.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, fmt.Errorf("streaming unsupported: %w", domain.ErrInternal))
			return
		}
		events, cancel := s.hub.Register(userID(r))
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case env, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(env.Data)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, payload)
				flusher.Flush()
			}
		}
	}
}

// ReadyzHandler reports queue reachability.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.queue.Len(r.Context()); err != nil {
			writeError(w, fmt.Errorf("queue: %w", domain.ErrUnavailable))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
}
