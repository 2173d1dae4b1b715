package cli

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/picatz/doh-proxy/internal/config"
	"github.com/picatz/doh-proxy/pkg/doh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(servers string) *config.Config {
	return &config.Config{
		Servers:         servers,
		Listen:          "127.0.0.1:0",
		Timeout:         time.Second,
		MaxBodySize:     doh.MaxMessageSize,
		Metrics:         true,
		ShutdownTimeout: time.Second,
	}
}

func dnsQueryPath(t *testing.T) string {
	t.Helper()

	b, err := new(dns.Msg).SetQuestion("example.com.", dns.TypeA).Pack()
	require.NoError(t, err)

	q := url.Values{}
	q.Set("dns", base64.RawURLEncoding.EncodeToString(b))
	return doh.Path + "?" + q.Encode()
}

func TestServeHandler(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", doh.ContentType)
		w.Write([]byte("answer"))
	}))
	defer upstream.Close()

	logger := zap.NewNop().Sugar()

	t.Run("proxy and metrics", func(t *testing.T) {
		handler := newServeHandler(testConfig(upstream.URL), logger, prometheus.NewRegistry())

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, dnsQueryPath(t), nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "answer", rec.Body.String())

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		body := rec.Body.String()
		assert.Contains(t, body, "doh_proxy_races_total")
		assert.Contains(t, body, "doh_proxy_race_winner_total")
		assert.Contains(t, body, upstream.URL)
	})

	t.Run("metrics disabled", func(t *testing.T) {
		cfg := testConfig(upstream.URL)
		cfg.Metrics = false

		handler := newServeHandler(cfg, logger, prometheus.NewRegistry())

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("proxy settings", func(t *testing.T) {
		cfg := testConfig(upstream.URL)
		cfg.MaxInFlight = 4
		cfg.MaxBodySize = 512

		proxy := newProxy(cfg, logger, nil)

		assert.NotNil(t, proxy.Limit)
		assert.EqualValues(t, 512, proxy.MaxBodySize)
		assert.Equal(t, []string{upstream.URL}, proxy.Resolvers.Endpoints())
		assert.Equal(t, time.Second, proxy.Racer.Timeout)
		assert.Equal(t, userAgent, proxy.Racer.UserAgent)
		assert.NotNil(t, proxy.Racer.Client)

		cfg.MaxInFlight = 0
		assert.Nil(t, newProxy(cfg, logger, nil).Limit)
	})
}

func TestServe(t *testing.T) {
	cfg := testConfig("")
	logger := zap.NewNop().Sugar()

	t.Run("stops when the context is done", func(t *testing.T) {
		srv := &http.Server{
			Addr:    cfg.Listen,
			Handler: http.NotFoundHandler(),
		}

		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() {
			errCh <- serve(ctx, srv, cfg, logger)
		}()

		cancel()

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("serve did not return after cancellation")
		}
	})

	t.Run("listen failure", func(t *testing.T) {
		srv := &http.Server{
			Addr:    "256.0.0.1:bad",
			Handler: http.NotFoundHandler(),
		}

		err := serve(context.Background(), srv, cfg, logger)
		assert.Error(t, err)
	})

	t.Run("missing tls files", func(t *testing.T) {
		cfg := testConfig("")
		cfg.TLSCert = "testdata/missing.crt"
		cfg.TLSKey = "testdata/missing.key"

		srv := &http.Server{
			Addr:    cfg.Listen,
			Handler: http.NotFoundHandler(),
		}

		err := serve(context.Background(), srv, cfg, logger)
		assert.Error(t, err)
	})
}
