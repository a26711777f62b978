package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/tyrefit/engine/advisor"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/ranker"
	"github.com/WessleyAI/tyrefit/engine/resolver"
	"github.com/WessleyAI/tyrefit/engine/service"
	"github.com/WessleyAI/tyrefit/pkg/cache"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/WessleyAI/tyrefit/pkg/mid"
	"github.com/WessleyAI/tyrefit/pkg/repo"
	"github.com/go-playground/validator/v10"
)

// vehicleListLimit caps /api/vehicles/search.
const vehicleListLimit = 20

// leadStore is the lead persistence the API needs; store.LeadStore
// implements it.
type leadStore interface {
	advisor.LeadSink
	GetByPhone(ctx context.Context, phone string) (domain.Lead, error)
	UpdateStatus(ctx context.Context, id string, status domain.LeadStatus) (domain.Lead, error)
	List(ctx context.Context, status domain.LeadStatus, offset, limit int) ([]domain.Lead, error)
}

// vehicleSearcher is the free-text side of search.VehicleSearch.
type vehicleSearcher interface {
	Search(ctx context.Context, text string, limit int) ([]domain.SearchHit, error)
}

type server struct {
	eng      *service.Engine
	leads    leadStore
	notify   advisor.LeadNotifier
	search   vehicleSearcher
	cache    cache.Client
	cacheTTL time.Duration
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *metrics.Registry
}

func newServer(eng *service.Engine, logger *slog.Logger, reg *metrics.Registry) *server {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	return &server{
		eng:      eng,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		metrics:  reg,
	}
}

// routes registers every endpoint, each with its own latency series.
func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		route := pattern[strings.IndexByte(pattern, ' ')+1:]
		mux.Handle(pattern, mid.Metrics(s.metrics, route)(h))
	}
	handle("GET /api/health", s.handleHealth)
	handle("GET /api/index/stats", s.handleStats)
	handle("POST /api/resolve", s.handleResolve)
	handle("POST /api/rank", s.handleRank)
	handle("POST /api/recommend", s.handleRecommend)
	handle("POST /api/chat", s.handleChat)
	handle("GET /api/vehicles/search", s.handleVehicleSearch)
	handle("POST /api/leads", s.handleCreateLead)
	handle("GET /api/leads", s.handleListLeads)
	handle("GET /api/leads/{phone}", s.handleGetLead)
	handle("PATCH /api/leads/{id}/status", s.handleLeadStatus)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// --- Handlers ---

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	set, err := s.eng.Holder.Current()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "artifact_version": set.Version()})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	set, err := s.eng.Holder.Current()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set.Summary())
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var q resolver.Query
	if !s.decode(w, r, &q) {
		return
	}
	res, err := s.eng.Resolver.Resolve(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleRank(w http.ResponseWriter, r *http.Request) {
	var q ranker.Query
	if !s.decode(w, r, &q) {
		return
	}
	tier, err := domain.ParseBudgetTier(string(q.Tier))
	if err != nil {
		s.fail(w, err)
		return
	}
	q.Tier = tier
	ranking, err := s.eng.Ranker.Rank(q)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ranking)
}

func (s *server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req advisor.Request
	if !s.decode(w, r, &req) {
		return
	}
	tier, err := domain.ParseBudgetTier(string(req.Tier))
	if err != nil {
		s.fail(w, err)
		return
	}
	req.Tier = tier
	set, err := s.eng.Holder.Current()
	if err != nil {
		s.fail(w, err)
		return
	}

	ctx := r.Context()
	var key string
	if s.cache != nil {
		if key, err = cache.RequestKey("recommend", set.Version(), req); err == nil {
			var cached advisor.Recommendation
			switch err := cache.GetJSON(ctx, s.cache, key, &cached); {
			case err == nil:
				w.Header().Set("X-Cache", "hit")
				writeJSON(w, http.StatusOK, cached)
				return
			case !errors.Is(err, cache.ErrCacheMiss):
				s.logger.Warn("cache read failed", "key", key, "error", err)
			}
		}
	}

	rec, err := s.eng.Advisor.RecommendIn(ctx, set, req)
	if err != nil {
		s.fail(w, err)
		return
	}
	if key != "" {
		if err := cache.SetJSON(ctx, s.cache, key, rec, s.cacheTTL); err != nil {
			s.logger.Warn("cache write failed", "key", key, "error", err)
		}
		w.Header().Set("X-Cache", "miss")
	}
	writeJSON(w, http.StatusOK, rec)
}

// ChatRequest is the JSON body for POST /api/chat.
type ChatRequest struct {
	Message string `json:"message" validate:"required,max=500"`
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	reply, err := s.eng.Router.Dispatch(r.Context(), req.Message)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// VehicleMatch is one row of /api/vehicles/search.
type VehicleMatch struct {
	Key   domain.VehicleKey `json:"vehicle"`
	Score float64           `json:"score,omitempty"`
}

func (s *server) handleVehicleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) < 2 {
		s.fail(w, domain.NewValidationError("q", q, domain.ErrQueryTooShort))
		return
	}
	set, err := s.eng.Holder.Current()
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.search != nil {
		hits, err := s.search.Search(r.Context(), q, vehicleListLimit)
		if err == nil {
			out := make([]VehicleMatch, len(hits))
			for i, h := range hits {
				out[i] = VehicleMatch{Key: h.Key, Score: h.Score}
			}
			writeJSON(w, http.StatusOK, out)
			return
		}
		s.logger.Warn("vehicle search failed, scanning index", "q", q, "error", err)
	}
	keys := set.Index().SearchKeys(q, vehicleListLimit)
	out := make([]VehicleMatch, len(keys))
	for i, k := range keys {
		out[i] = VehicleMatch{Key: k}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	if s.leads == nil {
		writeError(w, http.StatusServiceUnavailable, "lead store not configured")
		return
	}
	var l domain.Lead
	if !s.decode(w, r, &l) {
		return
	}
	tier, err := domain.ParseBudgetTier(string(l.Tier))
	if err != nil {
		s.fail(w, err)
		return
	}
	l.Tier = tier
	if l.Source == "" {
		l.Source = "api"
	}
	out, err := s.leads.Create(r.Context(), l)
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.notify != nil {
		if err := s.notify(r.Context(), out); err != nil {
			s.logger.Warn("lead notification failed", "id", out.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	if s.leads == nil {
		writeError(w, http.StatusServiceUnavailable, "lead store not configured")
		return
	}
	qs := r.URL.Query()
	var status domain.LeadStatus
	if v := qs.Get("status"); v != "" {
		st, err := domain.ParseLeadStatus(v)
		if err != nil {
			s.fail(w, err)
			return
		}
		status = st
	}
	offset, _ := strconv.Atoi(qs.Get("offset"))
	limit, _ := strconv.Atoi(qs.Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	leads, err := s.leads.List(r.Context(), status, max(offset, 0), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leads)
}

func (s *server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	if s.leads == nil {
		writeError(w, http.StatusServiceUnavailable, "lead store not configured")
		return
	}
	l, err := s.leads.GetByPhone(r.Context(), r.PathValue("phone"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (s *server) handleLeadStatus(w http.ResponseWriter, r *http.Request) {
	if s.leads == nil {
		writeError(w, http.StatusServiceUnavailable, "lead store not configured")
		return
	}
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := domain.ParseLeadStatus(req.Status)
	if err != nil {
		s.fail(w, err)
		return
	}
	l, err := s.leads.UpdateStatus(r.Context(), r.PathValue("id"), st)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// --- Helpers ---

// decode reads a JSON body into v and validates it, answering 400 itself
// when either fails.
func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fe.Namespace() + " " + fe.Tag()
			}
			writeError(w, http.StatusBadRequest, "invalid request: "+strings.Join(fields, ", "))
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps engine errors onto status codes. Only 5xx are logged here; the
// access log records the rest.
func (s *server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", code, "error", err)
		if code == http.StatusInternalServerError {
			msg = "internal server error"
		}
	}
	writeError(w, code, msg)
}

func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, domain.ErrInvalidQuery),
		errors.Is(err, domain.ErrInvalidTyreSize),
		errors.Is(err, domain.ErrInvalidPhone),
		errors.Is(err, domain.ErrUnknownTier):
		return http.StatusBadRequest
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNoIndex),
		errors.Is(err, domain.ErrEstimatorUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
