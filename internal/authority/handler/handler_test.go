package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nodetrust/internal/authority"
	"github.com/jmerrifield20/nodetrust/internal/authority/handler"
	"github.com/jmerrifield20/nodetrust/internal/health"
	"github.com/jmerrifield20/nodetrust/internal/identity"
	"github.com/jmerrifield20/nodetrust/internal/issuancelog"
	"github.com/jmerrifield20/nodetrust/internal/keystore"
	"github.com/jmerrifield20/nodetrust/internal/registration"
	"github.com/jmerrifield20/nodetrust/pkg/client"
)

func setupRouter(t *testing.T, opts handler.RouterOptions) (*gin.Engine, *identity.Hierarchy) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h, err := identity.BuildHierarchy(identity.HierarchyOptions{
		RootName:         identity.MustParseName("CN=Root, O=Operator, C=GB"),
		IntermediateName: identity.MustParseName("CN=Doorman, O=Operator, C=GB"),
		Validity:         identity.ValidFor(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("BuildHierarchy() error: %v", err)
	}
	svc := authority.NewService(h, authority.NewMemoryStore(), zap.NewNop())
	svc.SetIssuanceLog(issuancelog.NewMemoryLog())
	return handler.NewRouter(svc, opts, zap.NewNop()), h
}

func csrPEM(t *testing.T, name string) string {
	t.Helper()
	key, _ := identity.GenerateKey()
	csr, err := registration.CreateCSR(identity.MustParseName(name), key)
	if err != nil {
		t.Fatal(err)
	}
	return string(csr)
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmit_201(t *testing.T) {
	router, _ := setupRouter(t, handler.RouterOptions{})

	w := do(router, http.MethodPost, "/api/v1/certificate", csrPEM(t, "O=Bank A, C=GB"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["request_id"] != "Bank A" {
		t.Errorf("request_id = %q", resp["request_id"])
	}
	if w.Header().Get(handler.RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestSubmit_400(t *testing.T) {
	router, _ := setupRouter(t, handler.RouterOptions{})

	w := do(router, http.MethodPost, "/api/v1/certificate", "junk")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestRetrieve_204ThenBundle(t *testing.T) {
	router, _ := setupRouter(t, handler.RouterOptions{})

	if w := do(router, http.MethodGet, "/api/v1/certificate/Bank%20A", ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 before submit, got %d", w.Code)
	}
	do(router, http.MethodPost, "/api/v1/certificate", csrPEM(t, "O=Bank A, C=GB"))

	w := do(router, http.MethodGet, "/api/v1/certificate/Bank%20A", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %q", ct)
	}

	w = do(router, http.MethodGet, "/api/v1/polled", "")
	var resp map[string][]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp["polled"]) != 1 || resp["polled"][0] != "Bank A" {
		t.Errorf("polled = %v", resp["polled"])
	}
}

func TestRootCertificate_200(t *testing.T) {
	router, h := setupRouter(t, handler.RouterOptions{})

	w := do(router, http.MethodGet, "/api/v1/ca/root.crt", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	root, err := identity.ParseCertificatePEM(w.Body.Bytes())
	if err != nil || !root.Equal(h.Root) {
		t.Errorf("served root differs: %v", err)
	}
	if got := w.Header().Get("X-Root-Fingerprint"); got != identity.Fingerprint(h.Root) {
		t.Errorf("fingerprint header = %q", got)
	}
}

func TestLog_routes(t *testing.T) {
	router, _ := setupRouter(t, handler.RouterOptions{})
	do(router, http.MethodPost, "/api/v1/certificate", csrPEM(t, "O=Bank A, C=GB"))

	w := do(router, http.MethodGet, "/api/v1/log", "")
	var overview map[string]any
	json.Unmarshal(w.Body.Bytes(), &overview)
	if int(overview["entries"].(float64)) != 2 {
		t.Errorf("entries = %v, want genesis + accepted", overview["entries"])
	}

	w = do(router, http.MethodGet, "/api/v1/log/verify", "")
	var verify map[string]any
	json.Unmarshal(w.Body.Bytes(), &verify)
	if verify["valid"] != true {
		t.Errorf("valid = %v", verify["valid"])
	}

	if w := do(router, http.MethodGet, "/api/v1/log/entries/1", ""); w.Code != http.StatusOK {
		t.Errorf("entry 1: expected 200, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/api/v1/log/entries/99", ""); w.Code != http.StatusNotFound {
		t.Errorf("entry 99: expected 404, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/api/v1/log/entries/x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("entry x: expected 400, got %d", w.Code)
	}
}

func TestRateLimiter_429(t *testing.T) {
	limiter := handler.NewLimiter("client_ip", 1, 2, handler.ByClientIP)
	t.Cleanup(limiter.Close)
	router, _ := setupRouter(t, handler.RouterOptions{RateLimit: limiter})

	var limited bool
	for i := 0; i < 5; i++ {
		if w := do(router, http.MethodGet, "/api/v1/polled", ""); w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected a 429 within five requests at 1 rps")
	}
}

func TestPollLimiter_keyedByRequestID(t *testing.T) {
	limiter := handler.NewLimiter("request_id", 1, 1, handler.ByRequestID)
	t.Cleanup(limiter.Close)
	router, _ := setupRouter(t, handler.RouterOptions{PollLimit: limiter})

	if w := do(router, http.MethodGet, "/api/v1/certificate/Bank%20A", ""); w.Code != http.StatusNoContent {
		t.Fatalf("first poll: expected 204, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/api/v1/certificate/Bank%20A", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("second poll of the same id: expected 429, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/api/v1/certificate/Bank%20B", ""); w.Code != http.StatusNoContent {
		t.Errorf("poll of another id: expected 204, got %d", w.Code)
	}
	if w := do(router, http.MethodPost, "/api/v1/certificate", csrPEM(t, "O=Bank C, C=GB")); w.Code != http.StatusCreated {
		t.Errorf("submission is not poll-limited: got %d", w.Code)
	}
	if limiter.Len() != 2 {
		t.Errorf("buckets = %d, want 2", limiter.Len())
	}
}

func TestLimiter_closeIsIdempotent(t *testing.T) {
	l := handler.NewLimiter("client_ip", 1, 1, handler.ByClientIP)
	l.Close()
	l.Close()
	if !l.Allow("10.0.0.1") || l.Allow("10.0.0.1") {
		t.Error("Allow() should still spend tokens after Close")
	}
}

func TestHealth_degradedReturns503(t *testing.T) {
	checker := health.New([]health.Check{
		{Name: "issuance_log", Run: func(context.Context) error { return errors.New("hash mismatch at 3") }},
	}, health.Config{}, zap.NewNop())
	checker.CheckAll(context.Background())
	router, _ := setupRouter(t, handler.RouterOptions{Health: checker})

	w := do(router, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var report health.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Checks["issuance_log"].LastError != "hash mismatch at 3" {
		t.Errorf("report = %+v", report)
	}
}

func TestRequestID_preservesValidHeader(t *testing.T) {
	router, _ := setupRouter(t, handler.RouterOptions{})
	const id = "6f1c1e1a-3c1d-4c55-9a55-0c2d0f6f6b11"

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(handler.RequestIDHeader, id)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get(handler.RequestIDHeader); got != id {
		t.Errorf("request id = %q, want %q", got, id)
	}
}

// TestRegistration_endToEnd runs the node-side protocol against the HTTP
// authority through pkg/client.
func TestRegistration_endToEnd(t *testing.T) {
	router, h := setupRouter(t, handler.RouterOptions{})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	reg, err := registration.New(registration.Config{
		Name:        identity.MustParseName("O=Bank A, L=London, C=GB"),
		PinnedRoot:  h.Root,
		MaxAttempts: 5,
		Dir:         dir,
		Password:    "pw",
	}, client.MustNew(srv.URL), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := reg.Submit(ctx); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	chain, err := reg.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if err := reg.Validate(chain); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if _, err := reg.AssembleKeystores(); err != nil {
		t.Fatalf("AssembleKeystores() error: %v", err)
	}
	if _, err := keystore.LoadBundle(dir, "pw"); err != nil {
		t.Errorf("LoadBundle() error: %v", err)
	}

	if _, err := client.MustNew(srv.URL).RetrieveChain(ctx, "Bank Z"); !errors.Is(err, client.ErrNotReady) {
		t.Errorf("unknown id: err = %v, want ErrNotReady", err)
	}
}
