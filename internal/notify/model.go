// Package notify delivers federation lifecycle events to operator-registered
// webhook endpoints, signed with a per-subscription HMAC secret.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is one registered webhook endpoint and the event kinds it
// listens for. Event names match the federation event kinds, e.g.
// "enrollment:approved" or "connectivity:offline".
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"` // never returned in API responses
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Event is the JSON body delivered to subscribed endpoints.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	EventType      string    `json:"eventType"`
	StatusCode     int       `json:"statusCode"`
	Attempt        int       `json:"attempt"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

// CreateSubscriptionRequest is the payload for registering a webhook.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required,url"`
	Events []string `json:"events" binding:"required"`
}
