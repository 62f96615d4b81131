package command

import (
	"bytes"
	"strings"

	"github.com/goliatone/go-relay/core"
)

const (
	TypeIngest         = "relay.command.ingest"
	TypeTrigger        = "relay.command.trigger"
	TypeTrackUsage     = "relay.command.usage.track"
	TypeBillingWebhook = "relay.command.billing.webhook"
	TypeSweep          = "relay.command.retry.sweep"
)

type IngestMessage struct {
	Request core.IngestRequest
}

func (IngestMessage) Type() string { return TypeIngest }

func (m IngestMessage) Validate() error {
	if _, ok := core.ParseEventKind(string(m.Request.Kind)); !ok {
		return commandValidationError("kind", "unsupported event kind")
	}
	if len(bytes.TrimSpace(m.Request.Body)) == 0 {
		return commandValidationError("body", "request body is required")
	}
	return nil
}

type TriggerMessage struct {
	Request core.TriggerRequest
}

func (TriggerMessage) Type() string { return TypeTrigger }

func (m TriggerMessage) Validate() error {
	if strings.TrimSpace(m.Request.Target) == "" {
		return commandValidationError("target", "target is required")
	}
	return nil
}

type TrackUsageMessage struct {
	Request core.UsageRequest
}

func (TrackUsageMessage) Type() string { return TypeTrackUsage }

func (m TrackUsageMessage) Validate() error {
	if strings.TrimSpace(m.Request.AgentID) == "" {
		return commandValidationError("agentId", "agent id is required")
	}
	if m.Request.Cost < 0 {
		return commandValidationError("cost", "cost must be >= 0")
	}
	return nil
}

type BillingWebhookMessage struct {
	Request core.BillingWebhookRequest
}

func (BillingWebhookMessage) Type() string { return TypeBillingWebhook }

func (m BillingWebhookMessage) Validate() error {
	if len(bytes.TrimSpace(m.Request.Body)) == 0 {
		return commandValidationError("body", "request body is required")
	}
	return nil
}

type SweepMessage struct{}

func (SweepMessage) Type() string { return TypeSweep }
