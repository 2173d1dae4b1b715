package doh_test

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/miekg/dns"
)

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func testClient(t *testing.T) *http.Client {
	t.Helper()

	client := cleanhttp.DefaultPooledClient()
	t.Cleanup(client.CloseIdleConnections)

	return client
}

func testQuery(name string) *dns.Msg {
	return &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:               dns.Id(),
			RecursionDesired: true,
		},
		Question: []dns.Question{
			{
				Name:   dns.Fqdn(name),
				Qtype:  dns.TypeA,
				Qclass: dns.ClassINET,
			},
		},
	}
}

func packQuery(t *testing.T, name string) []byte {
	t.Helper()

	b, err := testQuery(name).Pack()
	if err != nil {
		t.Fatal(err)
	}

	return b
}

// upstream is a fake DoH resolver answering every A question with ip.
type upstream struct {
	*httptest.Server

	requests atomic.Int64
	last     atomic.Pointer[http.Request]
	lastBody atomic.Pointer[[]byte]
}

func newUpstream(t *testing.T, ip net.IP) *upstream {
	t.Helper()

	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.requests.Add(1)
		u.last.Store(r.Clone(context.Background()))

		var b []byte
		switch r.Method {
		case http.MethodGet:
			var err error
			b, err = base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		case http.MethodPost:
			var err error
			b, err = io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		u.lastBody.Store(&b)

		var req dns.Msg
		if err := req.Unpack(b); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := new(dns.Msg).SetReply(&req)
		resp.Answer = []dns.RR{
			&dns.A{
				Hdr: dns.RR_Header{
					Name:   req.Question[0].Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    300,
				},
				A: ip,
			},
		}

		packed, err := resp.Pack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(packed)
	}))
	t.Cleanup(u.Close)

	return u
}

// endpoint returns the DoH URL of the upstream.
func (u *upstream) endpoint() string {
	return u.URL + "/dns-query"
}

// staticServer replies with status and body after delay, or gives up when
// the request is cancelled.
type staticServer struct {
	*httptest.Server

	requests  atomic.Int64
	cancelled chan struct{}
}

func newStaticServer(t *testing.T, delay time.Duration, status int, body string) *staticServer {
	t.Helper()

	s := &staticServer{cancelled: make(chan struct{}, 1)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)

		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			select {
			case s.cancelled <- struct{}{}:
			default:
			}
			return
		}

		w.Header().Set("Content-Type", "application/dns-message")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)

	return s
}
