package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[IngestMessage]         = (*IngestCommand)(nil)
	_ gocmd.Commander[TriggerMessage]        = (*TriggerCommand)(nil)
	_ gocmd.Commander[TrackUsageMessage]     = (*TrackUsageCommand)(nil)
	_ gocmd.Commander[BillingWebhookMessage] = (*BillingWebhookCommand)(nil)
	_ gocmd.Commander[SweepMessage]          = (*SweepCommand)(nil)
)
