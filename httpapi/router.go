// Package httpapi serves the relay over HTTP with gin.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-relay/core"
)

const defaultMaxBodyBytes = 1 << 20

type Service interface {
	Ingest(ctx context.Context, req core.IngestRequest) (core.IngestResult, error)
	Trigger(ctx context.Context, req core.TriggerRequest) (core.DeliveryResult, error)
	RecentEvents(ctx context.Context, limit int) ([]core.Event, error)
	GetEvent(ctx context.Context, id string) (core.Event, error)
	Stats(ctx context.Context) (core.Stats, error)
	TrackUsage(ctx context.Context, req core.UsageRequest) (core.UsageSnapshot, error)
	Usage(ctx context.Context, agentID string, period string) (core.UsageSnapshot, error)
	Overview(ctx context.Context, period string, mode string) (core.BillingOverview, error)
	HandleBillingWebhook(ctx context.Context, req core.BillingWebhookRequest) (core.BillingWebhookResult, error)
}

type Router struct {
	engine          *gin.Engine
	serverMu        sync.Mutex
	server          *http.Server
	closed          bool
	service         Service
	logger          core.Logger
	metrics         core.MetricsRecorder
	metricsHandler  http.Handler
	signatureHeader string
	maxBodyBytes    int64
	now             func() time.Time
}

type Option func(*Router)

func WithLogger(logger core.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithMetrics(recorder core.MetricsRecorder) Option {
	return func(r *Router) {
		r.metrics = recorder
	}
}

// WithMetricsHandler mounts handler at GET /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(r *Router) {
		r.metricsHandler = handler
	}
}

// WithSignatureHeader names the header carrying the billing webhook signature.
func WithSignatureHeader(name string) Option {
	return func(r *Router) {
		if name != "" {
			r.signatureHeader = name
		}
	}
}

func WithMaxBodyBytes(limit int64) Option {
	return func(r *Router) {
		if limit > 0 {
			r.maxBodyBytes = limit
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRouter(service Service, opts ...Option) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	r := &Router{
		engine:          engine,
		service:         service,
		signatureHeader: core.DefaultConfig().Signature.Header,
		maxBodyBytes:    defaultMaxBodyBytes,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = glog.Ensure(r.logger)
	if r.metrics == nil {
		r.metrics = core.NopMetricsRecorder{}
	}

	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(CORS())
	engine.Use(Metrics(r.metrics))
	engine.Use(Logger(r.logger))

	r.registerRoutes()
	return r
}

func (r *Router) registerRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if r.metricsHandler != nil {
		r.engine.GET("/metrics", gin.WrapH(r.metricsHandler))
	}

	r.engine.POST("/webhook", r.ingest(core.EventKindPlatformEvent))
	r.engine.POST("/platform-event", r.ingest(core.EventKindPlatformEvent))
	r.engine.POST("/cdc", r.ingest(core.EventKindCDC))
	r.engine.POST("/outbound-message", r.OutboundMessage)

	r.engine.GET("/events", r.ListEvents)
	r.engine.GET("/events/:id", r.GetEvent)
	r.engine.GET("/stats", r.Stats)
	r.engine.GET("/overview", r.Overview)
	r.engine.POST("/trigger-pi", r.Trigger)

	billing := r.engine.Group("/billing")
	{
		billing.POST("/webhook", r.BillingWebhook)
		billing.POST("/usage", r.TrackUsage)
		billing.GET("/usage/:agentId", r.Usage)
		billing.GET("/overview", r.Overview)
	}
}

func (r *Router) Handler() http.Handler {
	return r.engine
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// Run serves on addr until Shutdown. Once Shutdown has been called, Run
// returns http.ErrServerClosed without listening.
func (r *Router) Run(addr string, readTimeout time.Duration, writeTimeout time.Duration) error {
	r.serverMu.Lock()
	if r.closed {
		r.serverMu.Unlock()
		return http.ErrServerClosed
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      r.engine,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
	r.server = server
	r.serverMu.Unlock()
	return server.ListenAndServe()
}

func (r *Router) Shutdown(ctx context.Context) error {
	r.serverMu.Lock()
	r.closed = true
	server := r.server
	r.serverMu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
