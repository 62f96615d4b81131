package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-relay/core"
)

var (
	_ gocmd.Querier[RecentEventsMessage, []core.Event]     = (*RecentEventsQuery)(nil)
	_ gocmd.Querier[GetEventMessage, core.Event]           = (*GetEventQuery)(nil)
	_ gocmd.Querier[StatsMessage, core.Stats]              = (*StatsQuery)(nil)
	_ gocmd.Querier[UsageMessage, core.UsageSnapshot]      = (*UsageQuery)(nil)
	_ gocmd.Querier[OverviewMessage, core.BillingOverview] = (*OverviewQuery)(nil)
)
