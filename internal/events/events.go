// Package events defines the closed set of federation lifecycle events and a
// small synchronous bus for broadcasting them to in-process subscribers.
//
// Every component that used to fire ad hoc named events (enrollment service,
// policy cache, connectivity monitor) publishes a FederationEvent with one of
// the enumerated kinds below, so subscribers can switch exhaustively.
package events

import (
	"sync"
	"time"
)

// Kind identifies a federation event variant.
type Kind string

const (
	EnrollmentRequested    Kind = "enrollment:requested"
	FingerprintVerified    Kind = "enrollment:fingerprint_verified"
	EnrollmentApproved     Kind = "enrollment:approved"
	EnrollmentRejected     Kind = "enrollment:rejected"
	EnrollmentRevoked      Kind = "enrollment:revoked"
	CredentialsExchanged   Kind = "enrollment:credentials_exchanged"
	EnrollmentActivated    Kind = "enrollment:activated"
	PolicyCached           Kind = "policy:cached"
	PolicyCacheExpired     Kind = "policy:cache_expired"
	ConnectivityModeChange Kind = "connectivity:mode_change"
	ConnectivityOnline     Kind = "connectivity:online"
	ConnectivityDegraded   Kind = "connectivity:degraded"
	ConnectivityOffline    Kind = "connectivity:offline"
	ConnectivityRecovered  Kind = "connectivity:recovered"
	KASUnhealthy           Kind = "kas:unhealthy"
	KASRecovered           Kind = "kas:recovered"
)

// FederationEvent is a single broadcast event. Detail carries variant-specific
// diagnostic fields (mode, version, failure counts) as strings for dashboards.
type FederationEvent struct {
	Kind         Kind
	EnrollmentID string
	InstanceCode string
	Actor        string
	Reason       string
	Detail       map[string]string
	At           time.Time
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(FederationEvent)

// Bus is a minimal fan-out event bus. The zero value is not usable; call NewBus.
type Bus struct {
	mu   sync.RWMutex
	subs []Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

// Publish delivers ev to every subscriber in subscription order.
// A nil Bus is safe to publish to; the event is dropped.
func (b *Bus) Publish(ev FederationEvent) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, h := range subs {
		h(ev)
	}
}
