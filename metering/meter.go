// Package metering keeps per-agent call and cost counters and the billing
// rollups derived from them. Every update goes through the store's atomic
// IncrementAll, so concurrent calls never lose an update and a failed call
// leaves no partial counts behind.
package metering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-relay/core"
)

const UnknownEndpoint = "unknown"

// Meter records usage for the current UTC billing period.
type Meter struct {
	store core.KVStore
	now   func() time.Time
}

type MeterOption func(*Meter)

func WithMeterClock(now func() time.Time) MeterOption {
	return func(m *Meter) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMeter(store core.KVStore, opts ...MeterOption) *Meter {
	meter := &Meter{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(meter)
		}
	}
	return meter
}

// TrackUsage adds one call and cost to the agent's counters and the period
// aggregates, returning the agent's post-update totals.
func (m *Meter) TrackUsage(ctx context.Context, req core.UsageRequest) (core.UsageSnapshot, error) {
	if m == nil || m.store == nil {
		return core.UsageSnapshot{}, core.InternalError("metering: store is not configured")
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return core.UsageSnapshot{}, core.BadInputError("agentId", "agentId is required")
	}
	if math.IsNaN(req.Cost) || math.IsInf(req.Cost, 0) || req.Cost < 0 {
		return core.UsageSnapshot{}, core.BadInputError("cost", "cost must be a finite, non-negative number")
	}
	if req.Cost > core.MaxCostUSD {
		return core.UsageSnapshot{}, core.BadInputError("cost", fmt.Sprintf("cost must not exceed %d", core.MaxCostUSD))
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" {
		endpoint = UnknownEndpoint
	}
	period := core.PeriodOf(m.now())
	micros := core.USDToMicros(req.Cost)
	usageKey := core.UsageKey(agentID, period)

	// One unit: the agent counters and the period aggregates never diverge,
	// and the agents step only fires on the agent's first call.
	results, err := m.store.IncrementAll(ctx, []core.CounterDelta{
		{Key: usageKey, Delta: 1},
		{Key: core.CostKey(agentID, period), Delta: micros},
		{Key: core.EndpointKey(agentID, period, endpoint), Delta: 1},
		{Key: core.UsageTotalKey(period), Delta: 1},
		{Key: core.CostTotalKey(period), Delta: micros},
		{Key: core.AgentsKey(period), Delta: 1, FirstOf: usageKey},
	})
	if errors.Is(err, core.ErrCounterOverflow) {
		return core.UsageSnapshot{}, core.BadInputError("cost", "cost would overflow the period counters")
	}
	if err != nil {
		return core.UsageSnapshot{}, core.StorageError(err, "metering: track usage")
	}

	return core.UsageSnapshot{
		AgentID:   agentID,
		Period:    period,
		Calls:     results[0],
		CostUSD:   core.MicrosToUSD(results[1]),
		Endpoints: map[string]int64{endpoint: results[2]},
	}, nil
}

// Usage reads the agent's counters for period, including the per-endpoint
// call breakdown. Unknown agents read as zero.
func (m *Meter) Usage(ctx context.Context, agentID string, period string) (core.UsageSnapshot, error) {
	if m == nil || m.store == nil {
		return core.UsageSnapshot{}, core.InternalError("metering: store is not configured")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return core.UsageSnapshot{}, core.BadInputError("agentId", "agentId is required")
	}
	period = strings.TrimSpace(period)
	if period == "" {
		period = core.PeriodOf(m.now())
	}
	if err := core.ValidatePeriod(period); err != nil {
		return core.UsageSnapshot{}, core.BadInputError("period", "period must be formatted as YYYY-MM")
	}

	calls, err := core.ReadCounter(ctx, m.store, core.UsageKey(agentID, period))
	if err != nil {
		return core.UsageSnapshot{}, core.StorageError(err, "metering: read usage")
	}
	cost, err := core.ReadCounter(ctx, m.store, core.CostKey(agentID, period))
	if err != nil {
		return core.UsageSnapshot{}, core.StorageError(err, "metering: read cost")
	}

	prefix := core.EndpointPrefix(agentID, period)
	keys, err := m.store.List(ctx, prefix)
	if err != nil {
		return core.UsageSnapshot{}, core.StorageError(err, "metering: list endpoints")
	}
	sort.Strings(keys)
	endpoints := make(map[string]int64, len(keys))
	for _, key := range keys {
		value, err := core.ReadCounter(ctx, m.store, key)
		if err != nil {
			return core.UsageSnapshot{}, core.StorageError(err, fmt.Sprintf("metering: read %s", key))
		}
		endpoints[strings.TrimPrefix(key, prefix)] = value
	}

	return core.UsageSnapshot{
		AgentID:   agentID,
		Period:    period,
		Calls:     calls,
		CostUSD:   core.MicrosToUSD(cost),
		Endpoints: endpoints,
	}, nil
}

var _ core.UsageMeter = (*Meter)(nil)
