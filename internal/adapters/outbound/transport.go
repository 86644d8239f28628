// Package outbound sends job payloads to external endpoints through
// per-domain circuit breakers.
package outbound

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/target/jobcoord/internal/domain/breaker"
)

// DependencyFor names the breaker that guards host. Hosts sharing a
// registrable domain (api.example.com, cdn.example.com) share one breaker.
// IPs and single-label hosts are keyed as-is.
func DependencyFor(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return ""
	}
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld1
}

// Transport is an http.RoundTripper that refuses requests to dependencies
// whose breaker is open and records every outcome.
type Transport struct {
	Base     http.RoundTripper
	Breakers *breaker.Registry
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, breakers *breaker.Registry) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Breakers: breakers}
}

// RoundTrip implements http.RoundTripper. A transport error, a 5xx or a 429
// counts as a dependency failure. A request cancelled by its own context
// records nothing.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Breakers == nil {
		return base.RoundTrip(req)
	}

	dep := DependencyFor(req.URL.Host)
	if t.Breakers.IsOpen(dep) {
		return nil, fmt.Errorf("%s: %w", dep, breaker.ErrOpen)
	}

	resp, err := base.RoundTrip(req)
	switch {
	case err != nil:
		if req.Context().Err() != nil {
			t.Breakers.Abort(dep)
			break
		}
		t.Breakers.RecordFailure(dep)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		t.Breakers.RecordFailure(dep)
	default:
		t.Breakers.RecordSuccess(dep)
	}
	return resp, err
}
