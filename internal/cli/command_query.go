package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/picatz/doh-proxy/internal/log"
	"github.com/picatz/doh-proxy/pkg/dj"
	"github.com/picatz/doh-proxy/pkg/doh"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type result struct {
	Server string       `json:"server"`
	Resp   *dj.Response `json:"resp"`
}

var CommandQuery = &cobra.Command{
	Use:   "query domains... [flags]",
	Short: "Query DNS records from DoH servers",
	Long: `Query DNS records from DoH servers using the given domains and record type.

Users can specify which servers to use for the query, such as a running doh-proxy
(e.g. http://127.0.0.1:8053/dns-query), or use the default servers from Google, Cloudflare,
and Quad9. Queries are sent with GET or POST as chosen by --method, and failed requests are
retried up to --retries times. Each server is queried in parallel, and each domain is queried
in parallel. Results are streamed to STDOUT as JSON newline delimited objects, which can be
piped to other commands (e.g. jq) or redirected to a file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		servers, err := cmd.Flags().GetStringSlice("servers")
		if err != nil {
			return fmt.Errorf("invalid servers: %w", err)
		}

		queryType := cmd.Flag("type").Value.String()

		method := strings.ToUpper(cmd.Flag("method").Value.String())
		if method != http.MethodGet && method != http.MethodPost {
			return fmt.Errorf("invalid method: %q", method)
		}

		timeout, err := cmd.Flags().GetDuration("timeout")
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}

		retries, err := cmd.Flags().GetInt("retries")
		if err != nil {
			return fmt.Errorf("invalid retries: %w", err)
		}

		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = retries
		retryClient.Logger = retryLogger{log.FromContext(cmd.Context())}

		httpClient := retryClient.StandardClient()

		output := json.NewEncoder(cmd.OutOrStdout())
		var outputMu sync.Mutex

		var (
			ctx    context.Context    = cmd.Context()
			cancel context.CancelFunc = func() {}
		)

		if timeout != 0 {
			ctx, cancel = context.WithTimeout(cmd.Context(), timeout)
		}

		defer cancel()

		eg, gtx := errgroup.WithContext(ctx)

		for _, arg := range args {
			req := &dj.Request{
				Name: arg,
				Type: queryType,
			}

			for _, server := range servers {
				server := strings.TrimSpace(server)
				eg.Go(func() error {
					resp, err := doh.SimpleQuery(gtx, httpClient, server, method, req)
					if err != nil {
						return err
					}

					outputMu.Lock()
					defer outputMu.Unlock()

					return output.Encode(&result{
						Server: server,
						Resp:   resp,
					})
				})

			}
		}

		if err := eg.Wait(); err != nil {
			return fmt.Errorf("encountered error while querying: %w", err)
		}

		return nil
	},
}

func init() {
	defaultServers := []string{
		doh.Google,
		doh.Cloudflare,
		doh.Quad9,
	}

	CommandQuery.Flags().String("type", "A", "dns record type to query for each domain, such as A, AAAA, MX, etc.")
	CommandQuery.Flags().StringSlice("servers", defaultServers, "servers to query")
	CommandQuery.Flags().String("method", http.MethodGet, "HTTP method used to send queries, GET or POST")
	CommandQuery.Flags().Duration("timeout", 30*time.Second, "timeout for query, 0s for no timeout")
	CommandQuery.Flags().Int("retries", 2, "retries per server for failed requests")

	CommandRoot.AddCommand(CommandQuery)
}

// retryLogger adapts zap to retryablehttp.LeveledLogger.
type retryLogger struct {
	logger *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, keysAndValues...)
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infow(msg, keysAndValues...)
}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnw(msg, keysAndValues...)
}
