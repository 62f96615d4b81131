package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-relay/core"
)

type MutatingService interface {
	Ingest(ctx context.Context, req core.IngestRequest) (core.IngestResult, error)
	Trigger(ctx context.Context, req core.TriggerRequest) (core.DeliveryResult, error)
	TrackUsage(ctx context.Context, req core.UsageRequest) (core.UsageSnapshot, error)
	HandleBillingWebhook(ctx context.Context, req core.BillingWebhookRequest) (core.BillingWebhookResult, error)
	Sweep(ctx context.Context) (core.SweepReport, error)
}

type IngestCommand struct {
	service MutatingService
}

func NewIngestCommand(service MutatingService) *IngestCommand {
	return &IngestCommand{service: service}
}

func (c *IngestCommand) Execute(ctx context.Context, msg IngestMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: ingest service is required")
	}
	out, err := c.service.Ingest(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type TriggerCommand struct {
	service MutatingService
}

func NewTriggerCommand(service MutatingService) *TriggerCommand {
	return &TriggerCommand{service: service}
}

func (c *TriggerCommand) Execute(ctx context.Context, msg TriggerMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: trigger service is required")
	}
	out, err := c.service.Trigger(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type TrackUsageCommand struct {
	service MutatingService
}

func NewTrackUsageCommand(service MutatingService) *TrackUsageCommand {
	return &TrackUsageCommand{service: service}
}

func (c *TrackUsageCommand) Execute(ctx context.Context, msg TrackUsageMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: usage service is required")
	}
	out, err := c.service.TrackUsage(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type BillingWebhookCommand struct {
	service MutatingService
}

func NewBillingWebhookCommand(service MutatingService) *BillingWebhookCommand {
	return &BillingWebhookCommand{service: service}
}

func (c *BillingWebhookCommand) Execute(ctx context.Context, msg BillingWebhookMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: billing service is required")
	}
	out, err := c.service.HandleBillingWebhook(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SweepCommand struct {
	service MutatingService
}

func NewSweepCommand(service MutatingService) *SweepCommand {
	return &SweepCommand{service: service}
}

func (c *SweepCommand) Execute(ctx context.Context, _ SweepMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sweep service is required")
	}
	out, err := c.service.Sweep(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
