// Package doh provides a DNS-over-HTTPS (DoH) forwarding proxy and client
// following [RFC8484].
//
// The proxy ([Proxy]) accepts RFC 8484 GET and POST queries and races them
// against a set of upstream DoH resolvers, answering with the first
// successful upstream response. The client functions ([Query],
// [QueryWithMethod], [SimpleQuery]) talk to any DoH server, including the
// proxy itself.
//
// [RFC8484]: https://tools.ietf.org/html/rfc8484
package doh

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/miekg/dns"
	"github.com/picatz/doh-proxy/pkg/dj"
)

// KnownServer is a known DoH server URL.
type KnownServer = string

var (
	Google     KnownServer = "https://dns.google/dns-query"
	Cloudflare KnownServer = "https://cloudflare-dns.com/dns-query"
	Quad9      KnownServer = "https://dns.quad9.net:5053/dns-query"
)

// Query performs a DNS query using a DoH server with a GET request.
func Query(ctx context.Context, httpClient *http.Client, server string, dnsReq *dns.Msg) (*dns.Msg, error) {
	return QueryWithMethod(ctx, httpClient, server, http.MethodGet, dnsReq)
}

// QueryWithMethod performs a DNS query using a DoH server, encoding the
// message as a base64url "dns" parameter for GET or as the request body
// for POST.
func QueryWithMethod(ctx context.Context, httpClient *http.Client, server, method string, dnsReq *dns.Msg) (*dns.Msg, error) {
	dnsReqBytes, err := dnsReq.Pack()
	if err != nil {
		return nil, fmt.Errorf("doh: error packing DNS request: %w", err)
	}

	var tmpl *Template
	switch strings.ToUpper(method) {
	case http.MethodGet:
		q := url.Values{}
		q.Set("dns", base64.RawURLEncoding.EncodeToString(dnsReqBytes))
		tmpl = &Template{Method: http.MethodGet, RawQuery: q.Encode()}
	case http.MethodPost:
		tmpl = &Template{Method: http.MethodPost, Body: dnsReqBytes}
	default:
		return nil, fmt.Errorf("doh: unsupported query method %q", method)
	}

	body, err := exchange(ctx, httpClient, server, tmpl, "")
	if err != nil {
		return nil, err
	}

	dnsResp := &dns.Msg{}
	err = dnsResp.Unpack(body)
	if err != nil {
		return nil, fmt.Errorf("doh: error unpacking DNS response: %w", err)
	}

	return dnsResp, nil
}

// SimpleQuery performs a DNS query using a DoH server using the
// dj (DNS JSON) format types to represent the request and response.
func SimpleQuery(ctx context.Context, httpClient *http.Client, server, method string, req *dj.Request) (*dj.Response, error) {
	dnsResp, err := QueryWithMethod(ctx, httpClient, server, method, dj.NewMsg(req))
	if err != nil {
		return nil, err
	}

	return dj.FromMsg(dnsResp), nil
}
