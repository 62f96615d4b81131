package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

// Service runs the ingest pipeline and exposes the read, trigger and billing
// operations. Collaborators are injected through Options.
type Service struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	observer        Observer
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	store           KVStore
	normalizer      Normalizer
	inboundVerifier SignatureVerifier
	billingVerifier SignatureVerifier
	events          EventStore
	router          Router
	deliverer       Deliverer
	sweeper         Sweeper
	meter           UsageMeter
	aggregator      BillingAggregator
	webhookLog      WebhookLog
	now             func() time.Time
}

type ServiceDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	ConfigProvider    ConfigProvider
	OptionsResolver   OptionsResolver
	Store             KVStore
	Normalizer        Normalizer
	InboundVerifier   SignatureVerifier
	BillingVerifier   SignatureVerifier
	EventStore        EventStore
	Router            Router
	Deliverer         Deliverer
	Sweeper           Sweeper
	UsageMeter        UsageMeter
	BillingAggregator BillingAggregator
	WebhookLog        WebhookLog
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("relay", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("relay"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}

	finalConfig, err := ResolveConfig(context.Background(), builder.runtimeConfig, builder.configProvider, builder.optionsResolver)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	missing := []string{}
	if builder.store == nil {
		missing = append(missing, "store")
	}
	if builder.normalizer == nil {
		missing = append(missing, "normalizer")
	}
	if builder.eventStore == nil {
		missing = append(missing, "event store")
	}
	if builder.router == nil {
		missing = append(missing, "router")
	}
	if builder.deliverer == nil {
		missing = append(missing, "deliverer")
	}
	if len(missing) > 0 {
		return nil, mapBuildError(builder.errorMapper,
			fmt.Errorf("core: %s required", strings.Join(missing, ", ")))
	}

	return &Service{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		observer:        NewObserver(logger, builder.metricsRecorder),
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
		store:           builder.store,
		normalizer:      builder.normalizer,
		inboundVerifier: builder.inboundVerifier,
		billingVerifier: builder.billingVerifier,
		events:          builder.eventStore,
		router:          builder.router,
		deliverer:       builder.deliverer,
		sweeper:         builder.sweeper,
		meter:           builder.meter,
		aggregator:      builder.aggregator,
		webhookLog:      builder.webhookLog,
		now:             builder.now,
	}, nil
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return NewService(cfg, opts...)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Observer() Observer {
	if s == nil {
		return Observer{}
	}
	return s.observer
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		ErrorFactory:      s.errorFactory,
		ErrorMapper:       s.errorMapper,
		ConfigProvider:    s.configProvider,
		OptionsResolver:   s.optionsResolver,
		Store:             s.store,
		Normalizer:        s.normalizer,
		InboundVerifier:   s.inboundVerifier,
		BillingVerifier:   s.billingVerifier,
		EventStore:        s.events,
		Router:            s.router,
		Deliverer:         s.deliverer,
		Sweeper:           s.sweeper,
		UsageMeter:        s.meter,
		BillingAggregator: s.aggregator,
		WebhookLog:        s.webhookLog,
	}
}

// Ingest authenticates (when configured), normalizes, stores, routes and
// delivers one inbound payload. Delivery failures are queued and do not fail
// the call; storage failures do.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (result IngestResult, err error) {
	startedAt := time.Now()
	fields := map[string]any{"kind": string(req.Kind)}
	defer func() {
		if result.Event.ID != "" {
			fields["event_id"] = result.Event.ID
			fields["object"] = result.Event.Object
			fields["target"] = result.Target
			fields["delivery_status"] = string(result.Delivery.Status)
		}
		s.observeOperation(ctx, startedAt, "ingest", err, fields)
	}()

	if _, ok := ParseEventKind(string(req.Kind)); !ok {
		return IngestResult{}, s.mapError(BadInputError("kind", fmt.Sprintf("unsupported event kind %q", req.Kind)))
	}
	if len(bytes.TrimSpace(req.Body)) == 0 {
		return IngestResult{}, s.mapError(BadInputError("body", "request body is required"))
	}
	if s.inboundVerifier != nil {
		header := headerValue(req.Headers, s.config.Inbound.Header)
		if verifyErr := s.inboundVerifier.VerifyHeader(req.Body, header); verifyErr != nil {
			return IngestResult{}, s.mapError(verifyErr)
		}
	}

	event := s.normalizer.Normalize(req.Kind, req.Body, s.now())
	stored, err := s.events.Append(ctx, event)
	if err != nil {
		return IngestResult{}, s.mapError(StorageError(err, "relay: store event"))
	}
	s.bumpStat(ctx, StatEventsTotal)
	s.bumpStat(ctx, StatEventsKindPrefix+string(stored.Kind))

	target := s.router.Route(stored)
	payload, err := json.Marshal(stored)
	if err != nil {
		return IngestResult{}, s.mapError(InternalError("relay: encode event payload"))
	}
	delivery, err := s.deliverer.Deliver(ctx, DeliveryRequest{
		Target:  target,
		Path:    s.config.Delivery.EventPath,
		Payload: payload,
		EventID: stored.ID,
	})
	if err != nil {
		// The event stays in the event store, so a sender retry is safe to replay.
		return IngestResult{Event: stored, Target: target}, s.mapError(StorageError(err, "relay: queue failed delivery"))
	}
	s.recordDeliveryStat(ctx, delivery)

	return IngestResult{Event: stored, Target: target, Delivery: delivery}, nil
}

// Trigger delivers a payload straight to target, bypassing routing.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (result DeliveryResult, err error) {
	startedAt := time.Now()
	target := strings.TrimSpace(req.Target)
	defer func() {
		s.observeOperation(ctx, startedAt, "trigger", err, map[string]any{
			"target":          target,
			"action":          req.Action,
			"delivery_status": string(result.Status),
		})
	}()

	if target == "" {
		return DeliveryResult{}, s.mapError(BadInputError("target", "target is required"))
	}
	if _, ok := s.config.Delivery.Targets[target]; !ok {
		return DeliveryResult{}, s.mapError(NotFoundError(
			fmt.Sprintf("relay: unknown target %q", target),
			map[string]any{"target": target},
		))
	}
	payload := []byte(req.Payload)
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return DeliveryResult{}, s.mapError(BadInputError("payload", "payload must be valid json"))
	}

	result, err = s.deliverer.Deliver(ctx, DeliveryRequest{
		Target:  target,
		Path:    "/" + strings.Trim(strings.TrimSpace(req.Action), "/"),
		Payload: payload,
	})
	if err != nil {
		return DeliveryResult{}, s.mapError(StorageError(err, "relay: queue failed delivery"))
	}
	s.recordDeliveryStat(ctx, result)
	return result, nil
}

func (s *Service) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > DefaultRecentEventsLimit {
		limit = DefaultRecentEventsLimit
	}
	events, err := s.events.Recent(ctx, limit)
	if err != nil {
		return nil, s.mapError(StorageError(err, "relay: list events"))
	}
	return events, nil
}

func (s *Service) GetEvent(ctx context.Context, id string) (Event, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Event{}, s.mapError(BadInputError("id", "event id is required"))
	}
	event, err := s.events.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return Event{}, s.mapError(err)
		}
		return Event{}, s.mapError(StorageError(err, "relay: get event"))
	}
	return event, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	stats, err := collectStats(ctx, s.store)
	if err != nil {
		return Stats{}, s.mapError(StorageError(err, "relay: read stats"))
	}
	stats.GeneratedAt = s.now()
	return stats, nil
}

func (s *Service) Sweep(ctx context.Context) (report SweepReport, err error) {
	if s.sweeper == nil {
		return SweepReport{}, s.mapError(InternalError("relay: sweeper is not configured"))
	}
	return s.sweeper.Sweep(ctx)
}

func (s *Service) TrackUsage(ctx context.Context, req UsageRequest) (snapshot UsageSnapshot, err error) {
	startedAt := time.Now()
	defer func() {
		s.observeOperation(ctx, startedAt, "track_usage", err, map[string]any{
			"agent_id": req.AgentID,
			"endpoint": req.Endpoint,
			"calls":    snapshot.Calls,
		})
	}()
	if s.meter == nil {
		return UsageSnapshot{}, s.mapError(InternalError("relay: usage meter is not configured"))
	}
	snapshot, err = s.meter.TrackUsage(ctx, req)
	if err != nil {
		return UsageSnapshot{}, s.mapError(err)
	}
	return snapshot, nil
}

func (s *Service) Usage(ctx context.Context, agentID string, period string) (UsageSnapshot, error) {
	if s.meter == nil {
		return UsageSnapshot{}, s.mapError(InternalError("relay: usage meter is not configured"))
	}
	if strings.TrimSpace(period) == "" {
		period = PeriodOf(s.now())
	}
	snapshot, err := s.meter.Usage(ctx, agentID, period)
	if err != nil {
		return UsageSnapshot{}, s.mapError(err)
	}
	return snapshot, nil
}

func (s *Service) Overview(ctx context.Context, period string, mode string) (overview BillingOverview, err error) {
	startedAt := time.Now()
	defer func() {
		s.observeOperation(ctx, startedAt, "overview", err, map[string]any{
			"period": overview.Period,
			"mode":   overview.Mode,
		})
	}()
	if s.aggregator == nil {
		return BillingOverview{}, s.mapError(InternalError("relay: billing aggregator is not configured"))
	}
	if strings.TrimSpace(period) == "" {
		period = PeriodOf(s.now())
	}
	if strings.EqualFold(strings.TrimSpace(mode), OverviewModeScan) {
		overview, err = s.aggregator.Scan(ctx, period)
	} else {
		overview, err = s.aggregator.Overview(ctx, period)
	}
	if err != nil {
		return BillingOverview{}, s.mapError(err)
	}
	return overview, nil
}

type billingEventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// HandleBillingWebhook verifies a payment-provider callback and records it once
// under webhookLog:<eventId>.
func (s *Service) HandleBillingWebhook(
	ctx context.Context,
	req BillingWebhookRequest,
) (result BillingWebhookResult, err error) {
	startedAt := time.Now()
	defer func() {
		s.observeOperation(ctx, startedAt, "billing_webhook", err, map[string]any{
			"billing_event_id": result.EventID,
			"billing_type":     result.Type,
			"duplicate":        result.Duplicate,
		})
	}()

	if s.billingVerifier == nil || s.webhookLog == nil {
		return BillingWebhookResult{}, s.mapError(InternalError("relay: billing webhook is not configured"))
	}
	if err := s.billingVerifier.VerifyHeader(req.Body, req.Signature); err != nil {
		return BillingWebhookResult{}, s.mapError(err)
	}

	var envelope billingEventEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return BillingWebhookResult{}, s.mapError(BadInputError("body", "billing event must be a json object"))
	}
	envelope.ID = strings.TrimSpace(envelope.ID)
	if envelope.ID == "" {
		return BillingWebhookResult{}, s.mapError(BadInputError("id", "billing event id is required"))
	}

	recorded, err := s.webhookLog.Record(ctx, WebhookLogEntry{
		EventID:    envelope.ID,
		Type:       strings.TrimSpace(envelope.Type),
		ReceivedAt: s.now(),
		Payload:    json.RawMessage(append([]byte(nil), req.Body...)),
	})
	if err != nil {
		return BillingWebhookResult{}, s.mapError(StorageError(err, "relay: record billing webhook"))
	}
	return BillingWebhookResult{
		EventID:   envelope.ID,
		Type:      strings.TrimSpace(envelope.Type),
		Duplicate: !recorded,
	}, nil
}

func (s *Service) recordDeliveryStat(ctx context.Context, result DeliveryResult) {
	switch result.Status {
	case DeliveryStatusDelivered:
		s.bumpStat(ctx, StatDeliveryDelivered)
	case DeliveryStatusQueued:
		s.bumpStat(ctx, StatDeliveryQueued)
	}
}

func (s *Service) bumpStat(ctx context.Context, name string) {
	if err := IncrementStat(ctx, s.store, name); err != nil {
		s.observer.Warn(ctx, "stats counter update failed", map[string]any{
			"stat":  name,
			"error": err.Error(),
		})
	}
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	if mapped := s.errorMapper(err); mapped != nil {
		return mapped
	}
	return err
}

func isNotFound(err error) bool {
	if errors.Is(err, ErrEventNotFound) || errors.Is(err, ErrKeyNotFound) {
		return true
	}
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryNotFound
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
