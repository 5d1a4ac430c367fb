package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pesabank/go-adserver-backend/internal/config"
	"github.com/pesabank/go-adserver-backend/internal/domain"
	"github.com/pesabank/go-adserver-backend/internal/kv"
)

// stubService satisfies handlers.AdService with canned responses.
type stubService struct{}

func (stubService) Serve(context.Context, float64, domain.Channel, string) (*domain.ServeResponse, error) {
	return &domain.ServeResponse{AdID: "ad-1", Title: "t", ImageURL: "i", Segment: domain.SegmentMass, Channel: domain.ChannelATM}, nil
}

func (stubService) Create(_ context.Context, ad *domain.Ad) (*domain.Ad, error) {
	out := *ad
	out.ID = "created"
	return &out, nil
}

func (stubService) Impression(context.Context, string, string) error { return nil }
func (stubService) Click(context.Context, string) error              { return nil }

func (stubService) ListPage(context.Context, int, int) ([]domain.Ad, int64, error) {
	return []domain.Ad{}, 0, nil
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.APIBasePath = "/api/v1"
	cfg.OTEL.ServiceName = "adserver-test"
	cfg.APIKeys = map[string]string{"test-key": "standard"}
	cfg.RateLimit = config.RateLimitConfig{
		IPWindow:      60 * time.Second,
		IPMaxRequests: 1000,
		Tiers: map[string]config.TierLimit{
			"standard": {Window: 60 * time.Second, MaxRequests: 1000},
		},
	}
	return cfg
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, stubService{}, kv.NewMemoryStore(), testConfig())
	return r
}

func TestRouter_Health(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRouter_UnknownRouteEnvelope(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["code"] != "not_found" {
		t.Fatalf("body = %v", body)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/ads/serve", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRouter_ServeIsOpen(t *testing.T) {
	r := newTestRouter(t)

	body := bytes.NewBufferString(`{"balance":100,"customerId":"C1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ads/serve", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID header")
	}
	if w.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatalf("serve route not rate limited")
	}
}

func TestRouter_ManagementRequiresKey(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ads", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("keyless: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/ads", nil)
	req.Header.Set("X-API-Key", "test-key")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("keyed: status = %d: %s", w.Code, w.Body.String())
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRouter_SecurityHeaders(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing: %#v", w.Header())
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("permissive CORS default missing: %#v", w.Header())
	}
}
