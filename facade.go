package relay

import (
	"fmt"

	"github.com/goliatone/go-relay/adapters/gocommand"
	relaycommand "github.com/goliatone/go-relay/command"
	"github.com/goliatone/go-relay/core"
	relayquery "github.com/goliatone/go-relay/query"
)

type CommandQueryService interface {
	relaycommand.MutatingService
	relayquery.EventReader
	relayquery.StatsReader
	relayquery.BillingReader
}

type Commands struct {
	Ingest         *relaycommand.IngestCommand
	Trigger        *relaycommand.TriggerCommand
	TrackUsage     *relaycommand.TrackUsageCommand
	BillingWebhook *relaycommand.BillingWebhookCommand
	Sweep          *relaycommand.SweepCommand
}

type Queries struct {
	RecentEvents *relayquery.RecentEventsQuery
	GetEvent     *relayquery.GetEventQuery
	Stats        *relayquery.StatsQuery
	Usage        *relayquery.UsageQuery
	Overview     *relayquery.OverviewQuery
}

// Facade exposes the service as go-command commands and queries.
type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("relay: command/query service is required")
	}
	return &Facade{
		service: service,
		commands: Commands{
			Ingest:         relaycommand.NewIngestCommand(service),
			Trigger:        relaycommand.NewTriggerCommand(service),
			TrackUsage:     relaycommand.NewTrackUsageCommand(service),
			BillingWebhook: relaycommand.NewBillingWebhookCommand(service),
			Sweep:          relaycommand.NewSweepCommand(service),
		},
		queries: Queries{
			RecentEvents: relayquery.NewRecentEventsQuery(service),
			GetEvent:     relayquery.NewGetEventQuery(service),
			Stats:        relayquery.NewStatsQuery(service),
			Usage:        relayquery.NewUsageQuery(service),
			Overview:     relayquery.NewOverviewQuery(service),
		},
	}, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

// Register subscribes every command and query on bus. Subscriptions live
// until bus.Close.
func (f *Facade) Register(bus *gocommand.Bus) error {
	if f == nil {
		return fmt.Errorf("relay: facade is required")
	}
	if bus == nil {
		return fmt.Errorf("relay: command bus is required")
	}
	steps := []func() error{
		func() error { return gocommand.Handle[relaycommand.IngestMessage](bus, f.commands.Ingest) },
		func() error { return gocommand.Handle[relaycommand.TriggerMessage](bus, f.commands.Trigger) },
		func() error { return gocommand.Handle[relaycommand.TrackUsageMessage](bus, f.commands.TrackUsage) },
		func() error {
			return gocommand.Handle[relaycommand.BillingWebhookMessage](bus, f.commands.BillingWebhook)
		},
		func() error { return gocommand.Handle[relaycommand.SweepMessage](bus, f.commands.Sweep) },
		func() error {
			return gocommand.HandleQuery[relayquery.RecentEventsMessage, []core.Event](bus, f.queries.RecentEvents)
		},
		func() error {
			return gocommand.HandleQuery[relayquery.GetEventMessage, core.Event](bus, f.queries.GetEvent)
		},
		func() error { return gocommand.HandleQuery[relayquery.StatsMessage, core.Stats](bus, f.queries.Stats) },
		func() error {
			return gocommand.HandleQuery[relayquery.UsageMessage, core.UsageSnapshot](bus, f.queries.Usage)
		},
		func() error {
			return gocommand.HandleQuery[relayquery.OverviewMessage, core.BillingOverview](bus, f.queries.Overview)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			bus.Close()
			return err
		}
	}
	return bus.Initialize()
}
