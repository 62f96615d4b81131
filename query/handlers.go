package query

import (
	"context"

	"github.com/goliatone/go-relay/core"
)

type EventReader interface {
	RecentEvents(ctx context.Context, limit int) ([]core.Event, error)
	GetEvent(ctx context.Context, id string) (core.Event, error)
}

type StatsReader interface {
	Stats(ctx context.Context) (core.Stats, error)
}

type BillingReader interface {
	Usage(ctx context.Context, agentID string, period string) (core.UsageSnapshot, error)
	Overview(ctx context.Context, period string, mode string) (core.BillingOverview, error)
}

type RecentEventsQuery struct {
	reader EventReader
}

func NewRecentEventsQuery(reader EventReader) *RecentEventsQuery {
	return &RecentEventsQuery{reader: reader}
}

func (q *RecentEventsQuery) Query(ctx context.Context, msg RecentEventsMessage) ([]core.Event, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: event reader is required")
	}
	return q.reader.RecentEvents(ctx, msg.Limit)
}

type GetEventQuery struct {
	reader EventReader
}

func NewGetEventQuery(reader EventReader) *GetEventQuery {
	return &GetEventQuery{reader: reader}
}

func (q *GetEventQuery) Query(ctx context.Context, msg GetEventMessage) (core.Event, error) {
	if q == nil || q.reader == nil {
		return core.Event{}, queryDependencyError("query: event reader is required")
	}
	return q.reader.GetEvent(ctx, msg.ID)
}

type StatsQuery struct {
	reader StatsReader
}

func NewStatsQuery(reader StatsReader) *StatsQuery {
	return &StatsQuery{reader: reader}
}

func (q *StatsQuery) Query(ctx context.Context, _ StatsMessage) (core.Stats, error) {
	if q == nil || q.reader == nil {
		return core.Stats{}, queryDependencyError("query: stats reader is required")
	}
	return q.reader.Stats(ctx)
}

type UsageQuery struct {
	reader BillingReader
}

func NewUsageQuery(reader BillingReader) *UsageQuery {
	return &UsageQuery{reader: reader}
}

func (q *UsageQuery) Query(ctx context.Context, msg UsageMessage) (core.UsageSnapshot, error) {
	if q == nil || q.reader == nil {
		return core.UsageSnapshot{}, queryDependencyError("query: billing reader is required")
	}
	return q.reader.Usage(ctx, msg.AgentID, msg.Period)
}

type OverviewQuery struct {
	reader BillingReader
}

func NewOverviewQuery(reader BillingReader) *OverviewQuery {
	return &OverviewQuery{reader: reader}
}

func (q *OverviewQuery) Query(ctx context.Context, msg OverviewMessage) (core.BillingOverview, error) {
	if q == nil || q.reader == nil {
		return core.BillingOverview{}, queryDependencyError("query: billing reader is required")
	}
	return q.reader.Overview(ctx, msg.Period, msg.Mode)
}
