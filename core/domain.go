package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrKeyNotFound   = errors.New("core: key not found")
	ErrEventNotFound = errors.New("core: event not found")
	ErrInvalidPeriod = errors.New("core: invalid period")

	// ErrCounterOverflow is returned when a delta would push a counter past
	// the int64 range. The counter is left unchanged.
	ErrCounterOverflow = errors.New("core: counter overflow")
)

type EventKind string

const (
	EventKindPlatformEvent   EventKind = "platform_event"
	EventKindCDC             EventKind = "cdc"
	EventKindOutboundMessage EventKind = "outbound_message"
)

func ParseEventKind(raw string) (EventKind, bool) {
	switch EventKind(strings.TrimSpace(strings.ToLower(raw))) {
	case EventKindPlatformEvent:
		return EventKindPlatformEvent, true
	case EventKindCDC:
		return EventKindCDC, true
	case EventKindOutboundMessage:
		return EventKindOutboundMessage, true
	default:
		return "", false
	}
}

// Event is the canonical shape every inbound payload is normalized into.
// Events are immutable once stored.
type Event struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	Object     string         `json:"object"`
	Action     string         `json:"action"`
	RecordID   string         `json:"recordId,omitempty"`
	Data       map[string]any `json:"data"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

type DeliveryStatus string

const (
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusQueued    DeliveryStatus = "queued"
)

type DeliveryRequest struct {
	Target  string
	Path    string
	Payload []byte
	EventID string
}

type DeliveryResult struct {
	Status     DeliveryStatus `json:"status"`
	Target     string         `json:"target"`
	Path       string         `json:"path,omitempty"`
	StatusCode int            `json:"statusCode,omitempty"`
	Response   string         `json:"response,omitempty"`
	QueueKey   string         `json:"queueKey,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func (r DeliveryResult) Delivered() bool {
	return r.Status == DeliveryStatusDelivered
}

// RetryEntry is a failed delivery waiting for the next sweep. Key embeds the
// target and a monotonic timestamp.
type RetryEntry struct {
	Key           string          `json:"key"`
	Target        string          `json:"target"`
	Path          string          `json:"path"`
	Payload       json.RawMessage `json:"payload"`
	EventID       string          `json:"eventId,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
}

func (e RetryEntry) Due(now time.Time) bool {
	if e.NextAttemptAt == nil {
		return true
	}
	return !now.Before(*e.NextAttemptAt)
}

type SweepReport struct {
	Scanned   int `json:"scanned"`
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Expired   int `json:"expired"`
}

type IngestRequest struct {
	Kind    EventKind
	Body    []byte
	Headers map[string]string
}

type IngestResult struct {
	Event    Event          `json:"event"`
	Target   string         `json:"target"`
	Delivery DeliveryResult `json:"delivery"`
}

type TriggerRequest struct {
	Target  string          `json:"target"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type UsageRequest struct {
	AgentID  string  `json:"agentId"`
	Endpoint string  `json:"endpoint"`
	Cost     float64 `json:"cost"`
}

type UsageSnapshot struct {
	AgentID   string           `json:"agentId"`
	Period    string           `json:"period"`
	Calls     int64            `json:"calls"`
	CostUSD   float64          `json:"costUsd"`
	Endpoints map[string]int64 `json:"endpoints,omitempty"`
}

const (
	OverviewModeAggregate = "aggregate"
	OverviewModeScan      = "scan"
)

type BillingOverview struct {
	Period          string  `json:"period"`
	TotalCalls      int64   `json:"totalCalls"`
	TotalRevenueUSD float64 `json:"totalRevenueUsd"`
	Agents          int64   `json:"agents"`
	Mode            string  `json:"mode"`
}

type BillingWebhookRequest struct {
	Body      []byte
	Signature string
}

type BillingWebhookResult struct {
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	Duplicate bool   `json:"duplicate"`
}

type WebhookLogEntry struct {
	EventID    string          `json:"eventId"`
	Type       string          `json:"type"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

type EventStats struct {
	Total  int64            `json:"total"`
	ByKind map[string]int64 `json:"byKind"`
}

type DeliveryStats struct {
	Delivered   int64 `json:"delivered"`
	Queued      int64 `json:"queued"`
	Redelivered int64 `json:"redelivered"`
	Expired     int64 `json:"expired"`
}

type Stats struct {
	Events      EventStats    `json:"events"`
	Delivery    DeliveryStats `json:"delivery"`
	QueueDepth  int           `json:"queueDepth"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// PeriodOf returns the UTC year-month billing period for t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func ValidatePeriod(period string) error {
	if _, err := time.Parse("2006-01", strings.TrimSpace(period)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	return nil
}

// MaxCostUSD caps the cost of a single tracked call.
const MaxCostUSD = 1_000_000_000

// AddCounter returns current+delta, or ErrCounterOverflow when the sum does
// not fit in an int64.
func AddCounter(current, delta int64) (int64, error) {
	if (delta > 0 && current > math.MaxInt64-delta) || (delta < 0 && current < math.MinInt64-delta) {
		return current, ErrCounterOverflow
	}
	return current + delta, nil
}

// USDToMicros converts a dollar amount into the integer micro-dollar unit the
// counters are kept in.
func USDToMicros(usd float64) int64 {
	if usd >= 0 {
		return int64(usd*1_000_000 + 0.5)
	}
	return int64(usd*1_000_000 - 0.5)
}

func MicrosToUSD(micros int64) float64 {
	return float64(micros) / 1_000_000
}
