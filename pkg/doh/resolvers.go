package doh

import "strings"

// DefaultServer is the upstream used when no resolvers are configured.
var DefaultServer = Google

// ResolverConfig names the upstream DoH resolvers a Proxy races against.
//
// It mirrors the two configuration keys understood by the proxy:
// DOH_SERVERS (a comma-separated list) and DOH_SERVER (a single URL).
type ResolverConfig struct {
	// Servers is a comma-separated list of upstream URLs (DOH_SERVERS).
	// It takes precedence over Server.
	Servers string

	// Server is a single upstream URL (DOH_SERVER).
	Server string
}

// Endpoints returns the ordered resolver set for one inbound request.
//
// Servers is consulted first, then Server, then [DefaultServer]. A value
// that yields no entries after splitting (e.g. " , ") is treated as unset,
// so the returned slice always has at least one element. Entries are not
// validated as URLs; a malformed entry fails its own race attempt.
func (c ResolverConfig) Endpoints() []string {
	for _, value := range []string{c.Servers, c.Server} {
		if endpoints := ParseEndpoints(value); len(endpoints) > 0 {
			return endpoints
		}
	}
	return []string{DefaultServer}
}

// ParseEndpoints splits a comma-separated list of URLs, trimming
// surrounding whitespace and dropping empty pieces. Order is preserved
// and duplicates are kept.
func ParseEndpoints(s string) []string {
	var endpoints []string
	for _, piece := range strings.Split(s, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		endpoints = append(endpoints, piece)
	}
	return endpoints
}
