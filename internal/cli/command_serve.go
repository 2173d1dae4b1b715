package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/picatz/doh-proxy/internal/config"
	"github.com/picatz/doh-proxy/internal/log"
	"github.com/picatz/doh-proxy/internal/metrics"
	"github.com/picatz/doh-proxy/pkg/doh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const userAgent = "doh-proxy"

var CommandServe = &cobra.Command{
	Use:   "serve [flags]",
	Short: "Run the DoH proxy",
	Long: `Run a DNS-over-HTTPS proxy on /dns-query.

Every GET or POST query is forwarded to all upstream servers at once, and the answer of
whichever server responds successfully first is returned to the client unchanged. Upstreams
are read from --servers (or DOH_SERVERS), then --server (or DOH_SERVER), and default to
Google's DoH endpoint. Other options may also be set with DOH_PROXY_* environment variables
or a --config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}

		logger := log.FromContext(cmd.Context())

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		srv := &http.Server{
			Addr:              cfg.Listen,
			Handler:           newServeHandler(cfg, logger, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}

		return serve(cmd.Context(), srv, cfg, logger)
	},
}

func init() {
	config.RegisterFlags(CommandServe.Flags())

	CommandRoot.AddCommand(CommandServe)
}

func newProxy(cfg *config.Config, logger *zap.SugaredLogger, observer doh.Observer) *doh.Proxy {
	var limit *semaphore.Weighted
	if cfg.MaxInFlight > 0 {
		limit = semaphore.NewWeighted(cfg.MaxInFlight)
	}

	return &doh.Proxy{
		Resolvers: cfg.Resolvers(),
		Racer: &doh.Racer{
			Client: doh.NewClient(doh.ClientOptions{
				BootstrapResolver: cfg.BootstrapResolver,
			}),
			Timeout:   cfg.Timeout,
			UserAgent: userAgent,
			Observer:  observer,
			Logger:    logger,
		},
		MaxBodySize: cfg.MaxBodySize,
		Limit:       limit,
		Logger:      logger,
	}
}

func newServeHandler(cfg *config.Config, logger *zap.SugaredLogger, reg *prometheus.Registry) http.Handler {
	mux := doh.NewServerMux(newProxy(cfg, logger, metrics.New(reg)))

	if cfg.Metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return mux
}

// serve runs srv until it fails or ctx is done, then shuts it down
// gracefully within cfg.ShutdownTimeout.
func serve(ctx context.Context, srv *http.Server, cfg *config.Config, logger *zap.SugaredLogger) error {
	errCh := make(chan error, 1)

	go func() {
		logger.Infow("serving DoH proxy", "addr", srv.Addr, "path", doh.Path, "tls", cfg.TLSCert != "", "resolvers", cfg.Resolvers().Endpoints())

		if cfg.TLSCert != "" {
			errCh <- srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Infow("shutting down", "timeout", cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down: %w", err)
	}

	return nil
}
