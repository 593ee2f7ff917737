package kas

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ── In-memory stub for registryStore ───────────────────────────────────────

type stubStore struct {
	mu         sync.RWMutex
	rows       map[string]*Instance
	agreements map[string]*Agreement
	failAll    bool // simulate a registry outage
}

func newStubStore() *stubStore {
	return &stubStore{
		rows:       make(map[string]*Instance),
		agreements: make(map[string]*Agreement),
	}
}

var errStub = errors.New("simulated registry error")

func (s *stubStore) Create(_ context.Context, k *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errStub
	}
	k.CreatedAt = time.Now().UTC()
	k.UpdatedAt = k.CreatedAt
	cp := *k
	s.rows[k.KASID] = &cp
	return nil
}

func (s *stubStore) GetByID(_ context.Context, kasID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failAll {
		return nil, errStub
	}
	k, ok := s.rows[kasID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *stubStore) List(_ context.Context, status Status, _, _ int) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, k := range s.rows {
		if status == "" || k.Status == status {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubStore) Approve(_ context.Context, kasID string) error {
	return s.flip(kasID, StatusPending, StatusActive)
}

func (s *stubStore) Reapprove(_ context.Context, kasID string) error {
	return s.flip(kasID, StatusSuspended, StatusActive)
}

func (s *stubStore) flip(kasID string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.rows[kasID]
	if !ok || k.Status != from {
		return errNoMatch
	}
	k.Status = to
	k.Enabled = true
	k.SuspendReason = ""
	return nil
}

func (s *stubStore) Suspend(_ context.Context, kasID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.rows[kasID]
	if !ok {
		return ErrNotFound
	}
	k.Status = StatusSuspended
	k.Enabled = false
	k.SuspendReason = reason
	return nil
}

func (s *stubStore) Heartbeat(_ context.Context, kasID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.rows[kasID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.LastHeartbeatAt = &now
	return nil
}

func (s *stubStore) GetAgreement(_ context.Context, countryCode string) (*Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agreements[countryCode]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	cp.TrustedKASIDs = append([]string(nil), a.TrustedKASIDs...)
	return &cp, nil
}

func (s *stubStore) UpsertAgreement(_ context.Context, a *Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.UpdatedAt = time.Now().UTC()
	s.agreements[a.CountryCode] = &cp
	return nil
}

// ── Tests ──────────────────────────────────────────────────────────────────

const defaultKAS = "http://usa-kas:8080"

func newRegistry(store *stubStore) *Registry {
	return NewRegistry(store, defaultKAS, zap.NewNop())
}

func TestRegister_startsPending(t *testing.T) {
	reg := newRegistry(newStubStore())

	k, err := reg.Register(context.Background(), &Instance{
		CountryCode: "GBR",
		KASURL:      "https://kas.gbr.example",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if k.KASID != "gbr-kas" {
		t.Errorf("derived id: got %q", k.KASID)
	}
	if k.Status != StatusPending || k.Enabled {
		t.Errorf("fresh registration must be pending and disabled, got %s enabled=%v", k.Status, k.Enabled)
	}
}

func TestApproveAndSuspendLifecycle(t *testing.T) {
	store := newStubStore()
	reg := newRegistry(store)
	ctx := context.Background()

	if _, err := reg.Register(ctx, &Instance{CountryCode: "GBR", KASURL: "https://kas.gbr.example"}); err != nil {
		t.Fatal(err)
	}

	k, err := reg.Approve(ctx, "gbr-kas")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if k.Status != StatusActive || !k.Enabled {
		t.Errorf("after approve: %s enabled=%v", k.Status, k.Enabled)
	}

	// Double-approval is not a legal flip.
	if _, err := reg.Approve(ctx, "gbr-kas"); err == nil {
		t.Error("approving an active instance should fail")
	}

	k, err = reg.Suspend(ctx, "gbr-kas", "certificate rotation overdue")
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if k.Status != StatusSuspended || k.Enabled || k.SuspendReason == "" {
		t.Errorf("after suspend: %+v", k)
	}
}

func TestResolveKASURL_neverFails(t *testing.T) {
	store := newStubStore()
	reg := newRegistry(store)
	ctx := context.Background()

	// Unknown id.
	if got := reg.ResolveKASURL(ctx, "nowhere-kas"); got != defaultKAS {
		t.Errorf("unknown: got %q", got)
	}

	// Pending (registered but unapproved).
	if _, err := reg.Register(ctx, &Instance{CountryCode: "GBR", KASURL: "https://kas.gbr.example"}); err != nil {
		t.Fatal(err)
	}
	if got := reg.ResolveKASURL(ctx, "gbr-kas"); got != defaultKAS {
		t.Errorf("pending: got %q", got)
	}

	// Active resolves to the public URL.
	if _, err := reg.Approve(ctx, "gbr-kas"); err != nil {
		t.Fatal(err)
	}
	if got := reg.ResolveKASURL(ctx, "gbr-kas"); got != "https://kas.gbr.example" {
		t.Errorf("active: got %q", got)
	}

	// Suspended falls back again.
	if _, err := reg.Suspend(ctx, "gbr-kas", "test"); err != nil {
		t.Fatal(err)
	}
	if got := reg.ResolveKASURL(ctx, "gbr-kas"); got != defaultKAS {
		t.Errorf("suspended: got %q", got)
	}

	// Registry outage falls back rather than propagating.
	store.failAll = true
	if got := reg.ResolveKASURL(ctx, "gbr-kas"); got != defaultKAS {
		t.Errorf("outage: got %q", got)
	}
}

func TestResolveKASURL_prefersInternalURL(t *testing.T) {
	store := newStubStore()
	reg := newRegistry(store)
	ctx := context.Background()

	if _, err := reg.Register(ctx, &Instance{
		CountryCode:    "DEU",
		KASURL:         "https://kas.deu.example",
		InternalKASURL: "http://deu-kas:8080",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Approve(ctx, "deu-kas"); err != nil {
		t.Fatal(err)
	}
	if got := reg.ResolveKASURL(ctx, "deu-kas"); got != "http://deu-kas:8080" {
		t.Errorf("got %q, want internal URL", got)
	}
}

func TestRegisterPartner_idempotent(t *testing.T) {
	store := newStubStore()
	reg := newRegistry(store)
	ctx := context.Background()

	partner := &Instance{CountryCode: "GBR", KASURL: "https://kas.gbr.example"}
	k, err := reg.RegisterPartner(ctx, partner)
	if err != nil {
		t.Fatalf("RegisterPartner: %v", err)
	}
	if k.Status != StatusActive {
		t.Errorf("partner kas should be active immediately, got %s", k.Status)
	}

	// Re-running is a no-op.
	again, err := reg.RegisterPartner(ctx, &Instance{CountryCode: "GBR", KASURL: "https://kas.gbr.example"})
	if err != nil {
		t.Fatalf("second RegisterPartner: %v", err)
	}
	if again.Status != StatusActive {
		t.Errorf("re-run: got %s", again.Status)
	}
	if len(store.rows) != 1 {
		t.Errorf("expected 1 row, got %d", len(store.rows))
	}

	// A suspended partner is re-approved, not duplicated.
	if _, err := reg.Suspend(ctx, "gbr-kas", "drill"); err != nil {
		t.Fatal(err)
	}
	restored, err := reg.RegisterPartner(ctx, &Instance{CountryCode: "GBR", KASURL: "https://kas.gbr.example"})
	if err != nil {
		t.Fatalf("RegisterPartner after suspend: %v", err)
	}
	if restored.Status != StatusActive {
		t.Errorf("suspended partner should be re-approved, got %s", restored.Status)
	}
}

func TestAddTrustedKAS(t *testing.T) {
	store := newStubStore()
	reg := newRegistry(store)
	ctx := context.Background()

	if err := reg.AddTrustedKAS(ctx, "USA", "gbr-kas"); err != nil {
		t.Fatalf("AddTrustedKAS: %v", err)
	}
	if err := reg.AddTrustedKAS(ctx, "USA", "gbr-kas"); err != nil {
		t.Fatalf("AddTrustedKAS (repeat): %v", err)
	}

	a, err := reg.GetAgreement(ctx, "USA")
	if err != nil {
		t.Fatalf("GetAgreement: %v", err)
	}
	if len(a.TrustedKASIDs) != 1 || a.TrustedKASIDs[0] != "gbr-kas" {
		t.Errorf("trusted list: %v", a.TrustedKASIDs)
	}
}
