package query

import (
	"strings"

	"github.com/goliatone/go-relay/core"
)

const (
	TypeRecentEvents = "relay.query.events.recent"
	TypeGetEvent     = "relay.query.events.get"
	TypeStats        = "relay.query.stats"
	TypeUsage        = "relay.query.usage"
	TypeOverview     = "relay.query.billing.overview"
)

type RecentEventsMessage struct {
	Limit int
}

func (RecentEventsMessage) Type() string { return TypeRecentEvents }

func (m RecentEventsMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}

type GetEventMessage struct {
	ID string
}

func (GetEventMessage) Type() string { return TypeGetEvent }

func (m GetEventMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return queryValidationError("id", "event id is required")
	}
	return nil
}

type StatsMessage struct{}

func (StatsMessage) Type() string { return TypeStats }

type UsageMessage struct {
	AgentID string
	Period  string
}

func (UsageMessage) Type() string { return TypeUsage }

func (m UsageMessage) Validate() error {
	if strings.TrimSpace(m.AgentID) == "" {
		return queryValidationError("agentId", "agent id is required")
	}
	if period := strings.TrimSpace(m.Period); period != "" {
		if err := core.ValidatePeriod(period); err != nil {
			return queryValidationError("period", "period must be YYYY-MM")
		}
	}
	return nil
}

type OverviewMessage struct {
	Period string
	Mode   string
}

func (OverviewMessage) Type() string { return TypeOverview }

func (m OverviewMessage) Validate() error {
	if period := strings.TrimSpace(m.Period); period != "" {
		if err := core.ValidatePeriod(period); err != nil {
			return queryValidationError("period", "period must be YYYY-MM")
		}
	}
	switch strings.ToLower(strings.TrimSpace(m.Mode)) {
	case "", core.OverviewModeAggregate, core.OverviewModeScan:
		return nil
	default:
		return queryValidationError("mode", "mode must be aggregate or scan")
	}
}
