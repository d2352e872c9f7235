package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"datadesk.io/query-orchestrator/internal/auth"
	"datadesk.io/query-orchestrator/internal/core"
	"datadesk.io/query-orchestrator/internal/platform"
	"datadesk.io/query-orchestrator/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	maxBodyBytes        = 64 << 10
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// QueryRunner runs the orchestration pipeline.
type QueryRunner interface {
	Run(ctx context.Context, q core.Query) <-chan core.StreamEvent
	Answer(ctx context.Context, q core.Query) core.ResultPayload
}

type Suggester interface {
	Suggest(ctx context.Context, userID, partial string, limit int) []core.Suggestion
}

// QueryStore holds saved queries and query history.
type QueryStore interface {
	CreateSavedQuery(ctx context.Context, q *store.SavedQuery) error
	ListSavedQueries(ctx context.Context, userID string) ([]store.SavedQuery, error)
	DeleteSavedQuery(ctx context.Context, userID, id string) error
	RecentHistory(ctx context.Context, userID string, limit int) ([]store.QueryHistoryEntry, error)
	Ping(ctx context.Context) error
}

type Services struct {
	Pipeline    QueryRunner
	Suggestions Suggester
	Queries     QueryStore
	Catalog     *platform.Catalog
	Connections platform.ConnectionSource
	Issuer      *auth.Issuer
	Logger      *zap.Logger
}

type APIHandler struct {
	pipeline    QueryRunner
	suggestions Suggester
	queries     QueryStore
	catalog     *platform.Catalog
	conns       platform.ConnectionSource
	issuer      *auth.Issuer
	validate    *validator.Validate
	logger      *zap.Logger
}

func NewAPIHandler(s Services) *APIHandler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		pipeline:    s.Pipeline,
		suggestions: s.Suggestions,
		queries:     s.Queries,
		catalog:     s.Catalog,
		conns:       s.Connections,
		issuer:      s.Issuer,
		validate:    v,
		logger:      logger.Named("api"),
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			http.Error(w, "Authorization header must be a bearer token", http.StatusUnauthorized)
			return
		}
		userID, err := h.issuer.ValidateJWT(strings.TrimSpace(tokenString))
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

type QueryRequest struct {
	Text     string `json:"text" validate:"required,max=2000"`
	Platform string `json:"platform,omitempty" validate:"omitempty,max=32"`
}

// StreamQueryHandler writes the pipeline's events as NDJSON, one flushed line per
// event. When the client goes away it stops writing but keeps draining so the run
// completes and is recorded.
func (h *APIHandler) StreamQueryHandler(w http.ResponseWriter, r *http.Request) {
	q, ok := h.buildQuery(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	writing := true
	for ev := range h.pipeline.Run(r.Context(), q) {
		if !writing {
			continue
		}
		if r.Context().Err() != nil {
			h.logger.Info("client disconnected, draining stream", zap.String("user", q.UserID))
			writing = false
			continue
		}
		if err := enc.Encode(ev); err != nil {
			h.logger.Warn("failed to write stream event", zap.String("user", q.UserID), zap.Error(err))
			writing = false
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// QueryHandler returns only the terminal payload.
func (h *APIHandler) QueryHandler(w http.ResponseWriter, r *http.Request) {
	q, ok := h.buildQuery(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.pipeline.Answer(r.Context(), q))
}

func (h *APIHandler) buildQuery(w http.ResponseWriter, r *http.Request) (core.Query, bool) {
	var req QueryRequest
	if !h.decode(w, r, &req) {
		return core.Query{}, false
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		http.Error(w, "Query text cannot be empty", http.StatusBadRequest)
		return core.Query{}, false
	}

	var hint platform.Platform
	if req.Platform != "" {
		p, err := platform.Parse(req.Platform)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return core.Query{}, false
		}
		hint = p
	}

	userID, _ := auth.UserID(r.Context())
	return core.Query{Text: text, ExplicitPlatform: hint, UserID: userID, IssuedAt: time.Now()}, true
}

type SuggestionsRequest struct {
	PartialText string `json:"partial_text" validate:"max=500"`
	Limit       int    `json:"limit" validate:"gte=0,lte=25"`
}

type SuggestionsResponse struct {
	Suggestions []core.Suggestion `json:"suggestions"`
}

func (h *APIHandler) SuggestionsHandler(w http.ResponseWriter, r *http.Request) {
	var req SuggestionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, _ := auth.UserID(r.Context())

	suggestions := h.suggestions.Suggest(r.Context(), userID, req.PartialText, req.Limit)
	if suggestions == nil {
		suggestions = []core.Suggestion{}
	}
	writeJSON(w, http.StatusOK, SuggestionsResponse{Suggestions: suggestions})
}

type SaveQueryRequest struct {
	Name      string `json:"name" validate:"required,max=100"`
	QueryText string `json:"query_text" validate:"required,max=2000"`
	Platform  string `json:"platform,omitempty" validate:"omitempty,max=32"`
}

func (h *APIHandler) CreateSavedQueryHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req SaveQueryRequest
	if !h.decode(w, r, &req) {
		return
	}
	saved := &store.SavedQuery{
		UserID:    userID,
		Name:      req.Name,
		QueryText: strings.TrimSpace(req.QueryText),
	}
	if req.Platform != "" {
		p, err := platform.Parse(req.Platform)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		saved.Platform = string(p)
	}

	if err := h.queries.CreateSavedQuery(r.Context(), saved); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("failed to save query", zap.String("user", userID), zap.Error(err))
		http.Error(w, "Failed to save query", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *APIHandler) ListSavedQueriesHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	queries, err := h.queries.ListSavedQueries(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list saved queries", zap.String("user", userID), zap.Error(err))
		http.Error(w, "Failed to list saved queries", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, queries)
}

func (h *APIHandler) DeleteSavedQueryHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	id := chi.URLParam(r, "queryID")

	if err := h.queries.DeleteSavedQuery(r.Context(), userID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Saved query not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to delete saved query", zap.String("user", userID), zap.String("id", id), zap.Error(err))
		http.Error(w, "Failed to delete saved query", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := h.queries.RecentHistory(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to read history", zap.String("user", userID), zap.Error(err))
		http.Error(w, "Failed to read history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type PlatformInfo struct {
	ID        platform.Platform `json:"id"`
	Name      string            `json:"name"`
	Connected bool              `json:"connected"`
	Actions   []string          `json:"actions"`
}

// PlatformsHandler lists the catalog in priority order with the caller's connection state.
func (h *APIHandler) PlatformsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	conns, err := h.conns.Connections(r.Context(), userID)
	if err != nil {
		h.logger.Warn("failed to resolve connections", zap.String("user", userID), zap.Error(err))
		conns = platform.Connections{}
	}

	ids := make([]platform.Platform, 0, len(h.catalog.Platforms))
	for _, p := range h.catalog.Platforms {
		ids = append(ids, p.ID)
	}
	h.catalog.SortByPriority(ids)

	out := make([]PlatformInfo, 0, len(ids))
	for _, id := range ids {
		spec, _ := h.catalog.Platform(id)
		info := PlatformInfo{ID: id, Name: spec.Name, Connected: conns.Has(id), Actions: []string{}}
		for _, a := range spec.Actions {
			info.Actions = append(info.Actions, a.Name)
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.queries.Ping(ctx); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		http.Error(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request: " + err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return "Invalid request: " + strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
