package catalog

import (
	"database/sql"
	"encoding/json"
	"net"
	"strconv"
	"time"
)

// Verification states for an endpoint.
const (
	VerifiedNever    = 0
	VerifiedOK       = 1
	VerifiedRejected = 2
)

// API flavors recognized by the probe.
const (
	APITypeOllama  = "ollama"
	APITypeLocalAI = "localai"
	APITypeUnknown = "unknown"
)

// Endpoint is a recorded network location, regardless of health.
type Endpoint struct {
	ID               int64
	IP               string
	Port             int
	APIType          string
	APIVersion       *string
	Capabilities     []string
	AuthRequired     bool
	ScanDate         *time.Time
	LastCheckDate    *time.Time
	VerificationDate *time.Time
	Verified         int
	IsActive         bool
	InactiveReason   *string
	IsHoneypot       bool
	HoneypotReason   *string
	AddedBy          *string
	Description      *string
}

// Address returns the probe target in host:port form.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// VerifiedEndpoint marks an endpoint as currently usable. At most one row
// per endpoint.
type VerifiedEndpoint struct {
	ID                 int64
	EndpointID         int64
	VerificationDate   time.Time
	VerificationMethod *string
	VerifiedBy         *string
}

// Model is a named generative model advertised by an endpoint.
type Model struct {
	ID                int64
	EndpointID        int64
	Name              string
	ParameterSize     *string
	QuantizationLevel *string
	SizeMB            *float64
	ModelType         *string
	Capabilities      *string
}

// ObservedModel is one entry of a probe's tag listing, normalized for
// reconciliation against the stored Model set.
type ObservedModel struct {
	Name              string
	SizeMB            *float64
	ParameterSize     *string
	QuantizationLevel *string
}

// ResponseMetrics summarizes generation timing captured during a probe.
type ResponseMetrics struct {
	EvalCount         int64   `json:"eval_count,omitempty"`
	EvalDurationNS    int64   `json:"eval_duration,omitempty"`
	TokensPerSecond   float64 `json:"tokens_per_second,omitempty"`
	FirstTokenLatency float64 `json:"first_token_latency,omitempty"`
	TotalDurationNS   int64   `json:"total_duration,omitempty"`
}

// Verification is one append-only probe outcome row.
type Verification struct {
	ID               int64
	EndpointID       int64
	VerificationDate time.Time
	ResponseSample   string
	DetectedModels   []string
	IsHoneypot       bool
	Metrics          ResponseMetrics
}

// BenchmarkResult is the outcome of one structured performance test.
type BenchmarkResult struct {
	ID                     int64
	EndpointID             int64
	ModelID                *int64
	TestDate               time.Time
	AvgResponseTime        *float64
	TokensPerSecond        *float64
	FirstTokenLatency      *float64
	ThroughputTokens       *float64
	ThroughputTime         *float64
	Context500TPS          *float64
	Context1000TPS         *float64
	Context2000TPS         *float64
	MaxConcurrentRequests  *int64
	ConcurrencySuccessRate *float64
	ConcurrencyAvgTime     *float64
	SuccessRate            *float64
}

// ChatRecord is one user-initiated inference request routed by dispatch.
type ChatRecord struct {
	ID           int64
	UserID       string
	ModelID      int64
	Prompt       string
	SystemPrompt *string
	Response     string
	Temperature  float64
	MaxTokens    int
	Timestamp    time.Time
	EvalCount    *int64
	EvalDuration *int64
}

// Timestamps are persisted as UTC Unix milliseconds so both backends store
// and order them identically.

func toMilli(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func milliPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMilli(n.Int64)
	return &t
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMilli(*t)
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(data string) []string {
	if data == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil
	}
	return values
}
