package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dive25/federation/internal/enrollment"
	"github.com/dive25/federation/internal/events"
	"github.com/dive25/federation/internal/handler"
	"github.com/dive25/federation/internal/identity"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ── Stub store ─────────────────────────────────────────────────────────────

type stubEnrollmentStore struct {
	mu   sync.Mutex
	rows map[string]*enrollment.Enrollment
}

func newStubEnrollmentStore() *stubEnrollmentStore {
	return &stubEnrollmentStore{rows: make(map[string]*enrollment.Enrollment)}
}

func (s *stubEnrollmentStore) Create(_ context.Context, e *enrollment.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	cp := *e
	s.rows[e.EnrollmentID] = &cp
	return nil
}

func (s *stubEnrollmentStore) GetByID(_ context.Context, id string) (*enrollment.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return nil, enrollment.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *stubEnrollmentStore) FindNonTerminalByRequester(_ context.Context, code string) (*enrollment.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.rows {
		if e.RequesterCode == code && !e.Status.Terminal() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, enrollment.ErrNotFound
}

func (s *stubEnrollmentStore) UpdateStatus(_ context.Context, id string, from enrollment.Status, entry enrollment.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return enrollment.ErrNotFound
	}
	if e.Status != from {
		return fmt.Errorf("status precondition not met: %s", e.Status)
	}
	e.Status = entry.Status
	e.StatusHistory = append(e.StatusHistory, entry)
	e.UpdatedAt = entry.Timestamp
	return nil
}

func (s *stubEnrollmentStore) SetApproverCredentials(_ context.Context, id string, creds *enrollment.ClientCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return enrollment.ErrNotFound
	}
	e.ApproverCredentials = creds
	return nil
}

func (s *stubEnrollmentStore) SetRequesterCredentials(_ context.Context, id string, creds *enrollment.ClientCredentials, entry enrollment.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return enrollment.ErrNotFound
	}
	e.RequesterCredentials = creds
	e.Status = entry.Status
	e.StatusHistory = append(e.StatusHistory, entry)
	return nil
}

func (s *stubEnrollmentStore) List(_ context.Context, status enrollment.Status, limit, offset int) ([]*enrollment.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*enrollment.Enrollment
	for _, e := range s.rows {
		if status == "" || e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubEnrollmentStore) DeleteExpired(context.Context) (int64, error) { return 0, nil }

// ── Fixture ────────────────────────────────────────────────────────────────

type fixture struct {
	router    *gin.Engine
	store     *stubEnrollmentStore
	requester *identity.Instance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub, err := identity.LoadOrCreateInstance("USA", t.TempDir())
	if err != nil {
		t.Fatalf("hub identity: %v", err)
	}
	requester, err := identity.LoadOrCreateInstance("GBR", t.TempDir())
	if err != nil {
		t.Fatalf("requester identity: %v", err)
	}

	store := newStubEnrollmentStore()
	svc := enrollment.NewService(store, hub, events.NewBus(), nil, nil, zap.NewNop())

	router := gin.New()
	h := handler.NewEnrollmentHandler(svc, nil, zap.NewNop())
	h.Register(router.Group("/api/v1/federation"))
	return &fixture{router: router, store: store, requester: requester}
}

func (f *fixture) signedRequest(t *testing.T, ts time.Time) *enrollment.Request {
	t.Helper()
	payload := identity.EnrollmentPayload{
		InstanceCode:          "GBR",
		InstanceName:          "United Kingdom",
		OIDCDiscoveryURL:      "https://idp.gbr.example/.well-known/openid-configuration",
		APIURL:                "https://api.gbr.example",
		IdPURL:                "https://idp.gbr.example",
		RequestedCapabilities: []string{"policy-sync"},
		RequestedTrustLevel:   "bilateral",
		ContactEmail:          "fed-ops@gbr.example",
		SignatureTimestamp:    ts.UTC().Format(time.RFC3339),
		SignatureNonce:        "nonce-1",
	}
	sig, err := f.requester.SignEnrollmentPayload(payload)
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	return &enrollment.Request{
		Payload:        payload,
		CertificatePEM: f.requester.CertPEM(),
		Signature:      sig,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// ── Tests ──────────────────────────────────────────────────────────────────

func TestSubmitEnrollment(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/federation/enrollments", f.signedRequest(t, time.Now()))
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["enrollmentId"] == "" || body["status"] != string(enrollment.StatusPendingVerification) {
		t.Errorf("body: %v", body)
	}
	if body["fingerprint"] == "" {
		t.Error("response should echo the computed fingerprint")
	}
}

func TestSubmitEnrollment_staleSignature(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/federation/enrollments",
		f.signedRequest(t, time.Now().Add(-10*time.Minute)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitEnrollment_badSignature(t *testing.T) {
	f := newFixture(t)

	req := f.signedRequest(t, time.Now())
	req.Payload.ContactEmail = "tampered@example.com"

	w := f.do(t, http.MethodPost, "/api/v1/federation/enrollments", req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitEnrollment_duplicateConflict(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodPost, "/api/v1/federation/enrollments", f.signedRequest(t, time.Now())); w.Code != http.StatusCreated {
		t.Fatalf("first submission: %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/v1/federation/enrollments", f.signedRequest(t, time.Now())); w.Code != http.StatusConflict {
		t.Fatalf("duplicate submission: %d", w.Code)
	}
}

func TestEnrollmentLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/federation/enrollments", f.signedRequest(t, time.Now()))
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: %d", w.Code)
	}
	id := decodeBody(t, w)["enrollmentId"].(string)
	base := "/api/v1/federation/enrollments/" + id

	// Approving before fingerprint verification is a transition conflict
	// that must name the attempted pair.
	w = f.do(t, http.MethodPost, base+"/approve", gin.H{"actor": "admin"})
	if w.Code != http.StatusConflict {
		t.Fatalf("premature approve: %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["from"] != string(enrollment.StatusPendingVerification) || body["to"] != string(enrollment.StatusApproved) {
		t.Errorf("conflict body: %v", body)
	}

	for _, step := range []struct {
		path   string
		status enrollment.Status
	}{
		{"/verify-fingerprint", enrollment.StatusFingerprintVerified},
		{"/approve", enrollment.StatusApproved},
	} {
		w = f.do(t, http.MethodPost, base+step.path, gin.H{"actor": "admin"})
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", step.path, w.Code, w.Body.String())
		}
		if got := decodeBody(t, w)["status"]; got != string(step.status) {
			t.Errorf("%s: status %v", step.path, got)
		}
	}

	// Requester-facing status summary.
	w = f.do(t, http.MethodGet, base+"/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint: %d", w.Code)
	}
	summary := decodeBody(t, w)
	if summary["status"] != string(enrollment.StatusApproved) || summary["credentialsReady"] != false {
		t.Errorf("summary: %v", summary)
	}
}

func TestEnrollmentNotFound(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/api/v1/federation/enrollments/nope/status", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status %d", w.Code)
	}
}

func TestActivateDisabledWithoutService(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodPost, "/api/v1/federation/enrollments/x/activate", nil); w.Code != http.StatusNotImplemented {
		t.Fatalf("status %d", w.Code)
	}
}
