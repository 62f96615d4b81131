package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-relay/adapters/gojob"
	"github.com/goliatone/go-relay/adapters/gologger"
	"github.com/goliatone/go-relay/core"
	"github.com/goliatone/go-relay/httpapi"
)

const (
	sweepModeTicker = "ticker"
	sweepModeQueue  = "queue"
	sweepModeOff    = "off"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		migrateFirst bool
		sweepMode    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the retry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, opts, migrateFirst)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := startSweeper(ctx, a, sweepMode); err != nil {
				return err
			}

			router := httpapi.NewRouter(a.runtime.Service,
				httpapi.WithLogger(gologger.ForComponent(a.provider, a.logger, "http")),
				httpapi.WithMetrics(a.metrics),
				httpapi.WithMetricsHandler(a.metrics.Handler()),
				httpapi.WithSignatureHeader(a.cfg.Signature.Header),
			)
			return serve(ctx, a, router)
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "Run database migrations before starting the server")
	cmd.Flags().StringVar(&sweepMode, "sweep-mode", sweepModeTicker, "How retries are swept: ticker, queue (go-job) or off")
	return cmd
}

func startSweeper(ctx context.Context, a *app, mode string) error {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case sweepModeTicker, "":
		go a.runtime.RunSweeper(ctx)
	case sweepModeQueue:
		observer := core.NewObserver(gologger.ForComponent(a.provider, a.logger, "jobs"), a.metrics)
		q := newLocalQueue(0, gojob.NewWorkerHookAdapter(gojob.NewObserverHook(observer)))
		go func() {
			if err := gojob.ScheduleSweeps(ctx, a.runtime.Sweeper, q); err != nil {
				a.logger.Error("sweep scheduler stopped", "error", err)
			}
		}()
		go func() {
			if err := gojob.ConsumeSweeps(ctx, a.runtime.Sweeper, q, gojob.DefaultRetryPolicy()); err != nil {
				a.logger.Error("sweep consumer stopped", "error", err)
			}
		}()
	case sweepModeOff:
	default:
		return fmt.Errorf("cli: unknown sweep mode %q", mode)
	}
	return nil
}

func serve(ctx context.Context, a *app, router *httpapi.Router) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("relay listening", "addr", a.cfg.HTTP.Addr, "storage", a.cfg.Storage.Driver)
		errCh <- router.Run(a.cfg.HTTP.Addr, a.cfg.HTTP.ReadTimeout, a.cfg.HTTP.WriteTimeout)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.logger.Info("relay shutting down")
	if err := router.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cli: shutdown: %w", err)
	}
	return nil
}
