package delivery

import (
	"slices"
	"time"
)

// TargetKind distinguishes webhook receivers from external API integrations.
type TargetKind string

const (
	KindWebhook TargetKind = "webhook"
	KindAPI     TargetKind = "api"
)

// AuthScheme selects how outbound requests authenticate to a target.
type AuthScheme string

const (
	AuthNone   AuthScheme = "none"
	AuthBearer AuthScheme = "bearer"
	AuthBasic  AuthScheme = "basic"
	AuthAPIKey AuthScheme = "api_key"
	AuthHMAC   AuthScheme = "hmac"
)

// DefaultAPIKeyHeader is used when an api_key target does not name its header.
const DefaultAPIKeyHeader = "X-API-Key"

type Auth struct {
	Scheme   AuthScheme `json:"scheme"`
	Token    string     `json:"token,omitempty"`    // bearer token
	Username string     `json:"username,omitempty"` // basic
	Password string     `json:"password,omitempty"` // basic
	APIKey   string     `json:"api_key,omitempty"`
	Header   string     `json:"header,omitempty"` // api key header name
}

// RateLimit is the optional per-target admission limit.
type RateLimit struct {
	Algorithm   string        `json:"algorithm"` // "fixed" or "sliding"
	Window      time.Duration `json:"window"`
	MaxRequests int           `json:"max_requests"`
}

// Target is a configured destination. It is read once per logical delivery
// and never mutated while attempts are in flight.
type Target struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Kind                TargetKind        `json:"kind"`
	Active              bool              `json:"active"`
	URL                 string            `json:"url"` // webhook URL or API base URL
	Secret              string            `json:"-"`
	EventTypes          []string          `json:"event_types,omitempty"`
	SignatureValidation bool              `json:"signature_validation"`
	SignatureHeader     string            `json:"signature_header,omitempty"`
	Auth                Auth              `json:"auth"`
	DefaultHeaders      map[string]string `json:"default_headers,omitempty"`
	Timeout             time.Duration     `json:"timeout,omitempty"`
	MaxRetries          *int              `json:"max_retries,omitempty"`
	BaseDelay           *time.Duration    `json:"base_delay,omitempty"`
	HealthCheckURL      string            `json:"health_check_url,omitempty"`
	Channel             string            `json:"channel,omitempty"`
	RateLimit           *RateLimit        `json:"rate_limit,omitempty"`
}

// Subscribed reports whether the target wants events of the given type.
// A "*" entry subscribes to everything.
func (t Target) Subscribed(eventType string) bool {
	return slices.Contains(t.EventTypes, eventType) || slices.Contains(t.EventTypes, "*")
}

// Provider is the name recorded in delivery history for this target.
func (t Target) Provider() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}
