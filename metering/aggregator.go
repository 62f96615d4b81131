package metering

import (
	"context"
	"strings"

	"github.com/goliatone/go-relay/core"
)

// Aggregator answers billing overviews. Overview reads the running totals the
// meter maintains; Scan recomputes them from the per-agent counters.
type Aggregator struct {
	store core.KVStore
}

func NewAggregator(store core.KVStore) *Aggregator {
	return &Aggregator{store: store}
}

func (a *Aggregator) Overview(ctx context.Context, period string) (core.BillingOverview, error) {
	period, err := a.checkPeriod(period)
	if err != nil {
		return core.BillingOverview{}, err
	}
	calls, err := core.ReadCounter(ctx, a.store, core.UsageTotalKey(period))
	if err != nil {
		return core.BillingOverview{}, core.StorageError(err, "metering: read usage total")
	}
	cost, err := core.ReadCounter(ctx, a.store, core.CostTotalKey(period))
	if err != nil {
		return core.BillingOverview{}, core.StorageError(err, "metering: read cost total")
	}
	agents, err := core.ReadCounter(ctx, a.store, core.AgentsKey(period))
	if err != nil {
		return core.BillingOverview{}, core.StorageError(err, "metering: read agents")
	}
	return core.BillingOverview{
		Period:          period,
		TotalCalls:      calls,
		TotalRevenueUSD: core.MicrosToUSD(cost),
		Agents:          agents,
		Mode:            core.OverviewModeAggregate,
	}, nil
}

// Scan walks every usage and cost key. It is linear in the number of agents
// across all periods and meant for reconciliation, not the hot path.
func (a *Aggregator) Scan(ctx context.Context, period string) (core.BillingOverview, error) {
	period, err := a.checkPeriod(period)
	if err != nil {
		return core.BillingOverview{}, err
	}
	overview := core.BillingOverview{Period: period, Mode: core.OverviewModeScan}

	usageKeys, err := a.store.List(ctx, core.KeyPrefixUsage)
	if err != nil {
		return core.BillingOverview{}, core.StorageError(err, "metering: list usage")
	}
	for _, key := range usageKeys {
		_, keyPeriod, ok := core.ParseCounterKey(core.KeyPrefixUsage, key)
		if !ok || keyPeriod != period {
			continue
		}
		calls, err := core.ReadCounter(ctx, a.store, key)
		if err != nil {
			return core.BillingOverview{}, core.StorageError(err, "metering: read usage")
		}
		if calls > 0 {
			overview.Agents++
		}
		overview.TotalCalls += calls
	}

	costKeys, err := a.store.List(ctx, core.KeyPrefixCost)
	if err != nil {
		return core.BillingOverview{}, core.StorageError(err, "metering: list cost")
	}
	var micros int64
	for _, key := range costKeys {
		// costTotal:<period> shares the "cost" spelling but not the prefix.
		_, keyPeriod, ok := core.ParseCounterKey(core.KeyPrefixCost, key)
		if !ok || keyPeriod != period {
			continue
		}
		value, err := core.ReadCounter(ctx, a.store, key)
		if err != nil {
			return core.BillingOverview{}, core.StorageError(err, "metering: read cost")
		}
		micros += value
	}
	overview.TotalRevenueUSD = core.MicrosToUSD(micros)
	return overview, nil
}

func (a *Aggregator) checkPeriod(period string) (string, error) {
	if a == nil || a.store == nil {
		return "", core.InternalError("metering: store is not configured")
	}
	period = strings.TrimSpace(period)
	if err := core.ValidatePeriod(period); err != nil {
		return "", core.BadInputError("period", "period must be formatted as YYYY-MM")
	}
	return period, nil
}

var _ core.BillingAggregator = (*Aggregator)(nil)
