package policysync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dive25/federation/internal/connectivity"
	"github.com/dive25/federation/internal/policycache"
	"go.uber.org/zap"
)

type fixedMode struct {
	mode connectivity.Mode
}

func (f *fixedMode) Mode() connectivity.Mode { return f.mode }

func newCache(t *testing.T) *policycache.Service {
	t.Helper()
	store, err := policycache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return policycache.NewService(store, nil, nil, "", false, time.Hour, zap.NewNop())
}

func bundleServer(t *testing.T, version string, wantAuth string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/policy/bundle" {
			http.NotFound(w, r)
			return
		}
		if wantAuth != "" && r.Header.Get("Authorization") != wantAuth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(policycache.Bundle{
			Version:   version,
			Timestamp: time.Now().UTC(),
			Policies: []policycache.PolicyFile{
				{Path: "authz/access.rego", Content: "package authz\n", Hash: "abc"},
			},
		})
	}))
}

func TestSyncOnce_fetchesAndCaches(t *testing.T) {
	srv := bundleServer(t, "v7", "")
	defer srv.Close()

	cache := newCache(t)
	client := NewClient(Config{HubURL: srv.URL}, cache, &fixedMode{connectivity.ModeOnline}, zap.NewNop())

	if err := client.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if got := cache.GetSyncStatus("v7"); got != policycache.SyncCurrent {
		t.Errorf("cache status after sync: %s", got)
	}
}

func TestSyncOnce_skipsWhenAlreadyCurrent(t *testing.T) {
	srv := bundleServer(t, "v7", "")
	defer srv.Close()

	cache := newCache(t)
	client := NewClient(Config{HubURL: srv.URL}, cache, nil, zap.NewNop())

	if err := client.SyncOnce(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	b1, err := cache.GetCachedPolicy()
	if err != nil {
		t.Fatalf("cached policy: %v", err)
	}
	if err := client.SyncOnce(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	b2, _ := cache.GetCachedPolicy()
	if b1 != b2 {
		t.Error("identical version should not be re-cached")
	}
}

func TestSyncOnce_offlineSkipsFetch(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{HubURL: srv.URL}, newCache(t), &fixedMode{connectivity.ModeOffline}, zap.NewNop())

	if err := client.SyncOnce(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if called {
		t.Error("no request should be made while offline")
	}
}

func TestSyncOnce_staticTokenSent(t *testing.T) {
	srv := bundleServer(t, "v1", "Bearer sync-token-123")
	defer srv.Close()

	client := NewClient(Config{HubURL: srv.URL, StaticToken: "sync-token-123"}, newCache(t), nil, zap.NewNop())
	if err := client.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce with static token: %v", err)
	}

	unauth := NewClient(Config{HubURL: srv.URL, StaticToken: "wrong"}, newCache(t), nil, zap.NewNop())
	if err := unauth.SyncOnce(context.Background()); err == nil {
		t.Fatal("expected 401 to surface as an error")
	}
}

func TestFetchBundle_serverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(Config{HubURL: srv.URL}, newCache(t), nil, zap.NewNop())
	if _, err := client.FetchBundle(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}
}
