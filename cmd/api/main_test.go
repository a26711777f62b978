package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/tyrefit/engine/advisor"
	"github.com/WessleyAI/tyrefit/engine/artifacts"
	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/engine/enginetest"
	"github.com/WessleyAI/tyrefit/engine/service"
	"github.com/WessleyAI/tyrefit/pkg/cache"
	"github.com/WessleyAI/tyrefit/pkg/config"
	"github.com/WessleyAI/tyrefit/pkg/metrics"
	"github.com/WessleyAI/tyrefit/pkg/mid"
	"github.com/WessleyAI/tyrefit/pkg/repo"
)

func newTestServer(t *testing.T, withSet bool) *server {
	t.Helper()
	var set *artifacts.Set
	if withSet {
		var err error
		set, err = artifacts.NewSet(enginetest.Index(t), enginetest.Artifacts(t))
		if err != nil {
			t.Fatalf("new set: %v", err)
		}
	}
	eng, err := service.Assemble(config.DefaultConfig(), artifacts.NewHolder(set), service.Deps{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return newServer(eng, nil, metrics.New())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	rec := do(t, newTestServer(t, true).routes(), "GET", "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeBody[map[string]string](t, rec)
	if resp["status"] != "ok" || resp["artifact_version"] == "" {
		t.Fatalf("unexpected health body %v", resp)
	}
}

func TestHealthWithoutArtifacts(t *testing.T) {
	h := newTestServer(t, false).routes()
	if rec := do(t, h, "GET", "/api/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/resolve", `{"make":"Honda","model":"City"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from resolve, got %d", rec.Code)
	}
}

func TestIndexStats(t *testing.T) {
	rec := do(t, newTestServer(t, true).routes(), "GET", "/api/index/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	sum := decodeBody[artifacts.Summary](t, rec)
	if sum.Index.Vehicles == 0 || len(sum.Estimators) != 4 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestResolveEndpoint(t *testing.T) {
	h := newTestServer(t, true).routes()
	rec := do(t, h, "POST", "/api/resolve", `{"make":"maruti suzuki","model":"SWIFT","variant":"vxi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	res := decodeBody[domain.ResolutionResult](t, rec)
	if res.Source != domain.SourceExact || res.TyreSize != enginetest.SizeSwift {
		t.Fatalf("unexpected resolution %+v", res)
	}

	for _, body := range []string{`{"model":"Swift"}`, `not json`, `{"make":"Maruti","model":"Swift; DROP TABLE vehicles"}`} {
		if rec := do(t, h, "POST", "/api/resolve", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestRankEndpoint(t *testing.T) {
	h := newTestServer(t, true).routes()
	rec := do(t, h, "POST", "/api/rank", `{"tyre_size":"195/55R16","budget_tier":"budget","limit":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var ranking struct {
		Size  string `json:"tyre_size"`
		Items []struct {
			Size string            `json:"size"`
			Tier domain.BudgetTier `json:"tier"`
		} `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&ranking); err != nil {
		t.Fatal(err)
	}
	if ranking.Size != enginetest.SizeSpread || len(ranking.Items) == 0 || len(ranking.Items) > 2 {
		t.Fatalf("unexpected ranking %+v", ranking)
	}
	for _, it := range ranking.Items {
		if it.Size != enginetest.SizeSpread || it.Tier != domain.TierBudget {
			t.Fatalf("unexpected item %+v", it)
		}
	}

	if rec := do(t, h, "POST", "/api/rank", `{"tyre_size":"195/55R16","budget_tier":"luxury"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tier, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/rank", `{"limit":2}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without size, got %d", rec.Code)
	}
}

func TestRecommendCaches(t *testing.T) {
	s := newTestServer(t, true)
	s.cache, s.cacheTTL = cache.NewMemoryClient(0), time.Minute
	h := s.routes()
	body := `{"vehicle":{"make":"Maruti Suzuki","model":"Swift","variant":"VXI"},"budget_tier":"budget"}`

	first := do(t, h, "POST", "/api/recommend", body)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body)
	}
	if got := first.Header().Get("X-Cache"); got != "miss" {
		t.Fatalf("expected cache miss, got %q", got)
	}
	rec := decodeBody[advisor.Recommendation](t, first)
	if rec.Ranking == nil || len(rec.Ranking.Items) == 0 {
		t.Fatalf("expected a ranking, got %+v", rec)
	}

	second := do(t, h, "POST", "/api/recommend", body)
	if got := second.Header().Get("X-Cache"); got != "hit" {
		t.Fatalf("expected cache hit, got %q", got)
	}
	if cached := decodeBody[advisor.Recommendation](t, second); cached.Version != rec.Version {
		t.Fatalf("cached version %q, want %q", cached.Version, rec.Version)
	}

	if rec := do(t, h, "POST", "/api/recommend", `{"vehicle":{"make":"Maruti Suzuki"}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without model, got %d", rec.Code)
	}
}

func TestChatEndpoint(t *testing.T) {
	h := newTestServer(t, true).routes()
	for _, body := range []string{`{"message":""}`, "not json"} {
		if rec := do(t, h, "POST", "/api/chat", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", body, rec.Code)
		}
	}
	rec := do(t, h, "POST", "/api/chat", `{"message":"which tyres fit my car"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if reply := decodeBody[map[string]any](t, rec); reply["message"] == "" {
		t.Fatalf("expected a message, got %v", reply)
	}
}

type fakeSearcher struct {
	hits []domain.SearchHit
	err  error
}

func (f fakeSearcher) Search(context.Context, string, int) ([]domain.SearchHit, error) {
	return f.hits, f.err
}

func TestVehicleSearch(t *testing.T) {
	s := newTestServer(t, true)
	h := s.routes()

	if rec := do(t, h, "GET", "/api/vehicles/search?q=s", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a short query, got %d", rec.Code)
	}

	rec := do(t, h, "GET", "/api/vehicles/search?q=swift", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeBody[[]VehicleMatch](t, rec); len(got) == 0 {
		t.Fatal("expected index matches for swift")
	}

	hit := domain.NewVehicleKey("Maruti Suzuki", "Swift", "VXI")
	s.search = fakeSearcher{hits: []domain.SearchHit{{Key: hit, Score: 0.93}}}
	got := decodeBody[[]VehicleMatch](t, do(t, h, "GET", "/api/vehicles/search?q=swfit", ""))
	if len(got) != 1 || got[0].Key != hit || got[0].Score != 0.93 {
		t.Fatalf("unexpected search results %+v", got)
	}

	s.search = fakeSearcher{err: errors.New("qdrant down")}
	got = decodeBody[[]VehicleMatch](t, do(t, h, "GET", "/api/vehicles/search?q=swift", ""))
	if len(got) == 0 || got[0].Score != 0 {
		t.Fatalf("expected the index fallback, got %+v", got)
	}
}

type memLeads struct {
	mu    sync.Mutex
	leads map[string]domain.Lead
	seq   int
}

func (m *memLeads) Create(_ context.Context, l domain.Lead) (domain.Lead, error) {
	phone, err := domain.NormalizePhone(l.Phone)
	if err != nil {
		return domain.Lead{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	l.ID, l.Phone, l.Status = fmt.Sprintf("lead-%d", m.seq), phone, domain.LeadNew
	m.leads[l.ID] = l
	return l, nil
}

func (m *memLeads) GetByPhone(_ context.Context, phone string) (domain.Lead, error) {
	norm, err := domain.NormalizePhone(phone)
	if err != nil {
		return domain.Lead{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.leads {
		if l.Phone == norm {
			return l, nil
		}
	}
	return domain.Lead{}, repo.ErrNotFound
}

func (m *memLeads) UpdateStatus(_ context.Context, id string, st domain.LeadStatus) (domain.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return domain.Lead{}, repo.ErrNotFound
	}
	l.Status = st
	m.leads[id] = l
	return l, nil
}

func (m *memLeads) List(_ context.Context, st domain.LeadStatus, _, _ int) ([]domain.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Lead
	for _, l := range m.leads {
		if st == "" || l.Status == st {
			out = append(out, l)
		}
	}
	return out, nil
}

func TestLeadsWithoutStore(t *testing.T) {
	h := newTestServer(t, true).routes()
	if rec := do(t, h, "POST", "/api/leads", `{"phone":"9876543210"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLeadLifecycle(t *testing.T) {
	s := newTestServer(t, true)
	s.leads = &memLeads{leads: make(map[string]domain.Lead)}
	var notified []domain.Lead
	s.notify = func(_ context.Context, l domain.Lead) error {
		notified = append(notified, l)
		return errors.New("broker down")
	}
	h := s.routes()

	rec := do(t, h, "POST", "/api/leads", `{"phone":"+91 98765-43210","name":"Asha","tyre_size":"185/65 R15","budget_tier":"mid"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	created := decodeBody[domain.Lead](t, rec)
	if created.ID == "" || created.Source != "api" || created.Tier != domain.TierMid {
		t.Fatalf("unexpected lead %+v", created)
	}
	if len(notified) != 1 {
		t.Fatalf("expected one notification, got %d", len(notified))
	}

	if rec := do(t, h, "POST", "/api/leads", `{"name":"No Phone"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without phone, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/leads", `{"phone":"call me"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad phone, got %d", rec.Code)
	}

	rec = do(t, h, "GET", "/api/leads/"+created.Phone, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/api/leads/1234567890", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(t, h, "PATCH", "/api/leads/"+created.ID+"/status", `{"status":"contacted"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if got := decodeBody[domain.Lead](t, rec); got.Status != domain.LeadContacted {
		t.Fatalf("expected contacted, got %s", got.Status)
	}
	if rec := do(t, h, "PATCH", "/api/leads/"+created.ID+"/status", `{"status":"lost"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
	if rec := do(t, h, "PATCH", "/api/leads/nope/status", `{"status":"closed"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	list := decodeBody[[]domain.Lead](t, do(t, h, "GET", "/api/leads?status=contacted", ""))
	if len(list) != 1 {
		t.Fatalf("expected one contacted lead, got %d", len(list))
	}
}

func TestHandlerMiddleware(t *testing.T) {
	s := newTestServer(t, true)
	cfg := config.DefaultConfig()
	cfg.RateLimit.RPS, cfg.RateLimit.Burst = 1, 1
	h := s.handler(cfg)

	first := do(t, h, "GET", "/api/health", "")
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	if first.Header().Get(mid.RequestIDHeader) == "" {
		t.Fatal("expected a request id")
	}
	if first.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected CORS headers")
	}
	if second := do(t, h, "GET", "/api/health", ""); second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}

	body := s.metrics.Render()
	if !strings.Contains(body, `tyrefit_http_requests_total{route="/api/health",code="2xx"} 1`) {
		t.Fatalf("expected a request counter in:\n%s", body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("make", "", domain.ErrMissingField), http.StatusBadRequest},
		{fmt.Errorf("ranker: %w", domain.ErrInvalidTyreSize), http.StatusBadRequest},
		{fmt.Errorf("lead: %w", repo.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("advisor: %w", domain.ErrNoIndex), http.StatusServiceUnavailable},
		{domain.ErrEstimatorUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
