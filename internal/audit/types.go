package audit

import (
	"time"

	"github.com/llmrelay/relay/internal/pricing"
)

// Trace statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Trace is the lifecycle record of one forwarded request.
type Trace struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	StartedAt time.Time `json:"started_at"`

	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Streaming bool   `json:"streaming"`

	ClientCredentialID string `json:"client_credential_id,omitempty"`
	AppID              string `json:"app_id,omitempty"`
	EndUserID          string `json:"end_user_id,omitempty"`

	// Bodies are kept only when full-content logging is requested.
	RequestBody  string `json:"request_body,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`

	Status       string    `json:"status"`
	StatusCode   int       `json:"status_code,omitempty"`
	LatencyMs    int64     `json:"latency_ms,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

// Update is the single terminal update applied to a pending trace.
type Update struct {
	Status       string
	StatusCode   int
	LatencyMs    int64
	ErrorKind    string
	ErrorMessage string
	ResponseBody string
	CompletedAt  time.Time
}

// UsageRecord is the immutable metering snapshot of one finished request.
// Credential references are copied values, not foreign keys.
type UsageRecord struct {
	ID        string    `json:"id"`
	TraceID   string    `json:"trace_id"`
	RequestID string    `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`

	Provider string `json:"provider"`
	Model    string `json:"model"`

	ClientCredentialID   string `json:"client_credential_id,omitempty"`
	ClientKeyPrefix      string `json:"client_key_prefix,omitempty"`
	UpstreamCredentialID string `json:"upstream_credential_id,omitempty"`
	UserID               string `json:"user_id,omitempty"`
	GroupID              string `json:"group_id,omitempty"`
	AppID                string `json:"app_id,omitempty"`
	EndUserID            string `json:"end_user_id,omitempty"`

	Usage     pricing.Usage `json:"usage"`
	Estimated bool          `json:"estimated,omitempty"`

	Cost          pricing.Cost   `json:"cost"`
	PricingSource pricing.Source `json:"pricing_source"`

	LatencyMs  int64 `json:"latency_ms"`
	StatusCode int   `json:"status_code"`
	Streaming  bool  `json:"streaming"`
	Success    bool  `json:"success"`
}

// KindCount is one row of a per-kind breakdown.
type KindCount struct {
	Status string
	Kind   string
	Count  int64
}

// LatencyRow is the raw latency aggregate over successful traces.
type LatencyRow struct {
	Count int64
	Avg   float64
	Min   int64
	Max   int64
}
