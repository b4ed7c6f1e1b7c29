// Package target parses caller-supplied upstream URLs and checks them against
// the configured domain allow-list.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"relay-proxy-go/internal/model"
)

// Family is the protocol family a target must belong to.
type Family int

const (
	// FamilyHTTP accepts http and https targets.
	FamilyHTTP Family = iota
	// FamilyWebSocket accepts ws and wss targets.
	FamilyWebSocket
)

func (f Family) String() string {
	if f == FamilyWebSocket {
		return "websocket"
	}
	return "http"
}

func (f Family) allows(scheme string) bool {
	switch f {
	case FamilyHTTP:
		return scheme == "http" || scheme == "https"
	case FamilyWebSocket:
		return scheme == "ws" || scheme == "wss"
	}
	return false
}

// Descriptor is a validated upstream target.
type Descriptor struct {
	Scheme string
	Host   string // lowercase host name without port
	URL    *url.URL
}

// Validator holds the allow-listed domain suffixes.
type Validator struct {
	domains []string
}

// NewValidator normalises domains and returns a Validator. An empty list is
// an error: a proxy that allows nothing is a misconfiguration.
func NewValidator(domains []string) (*Validator, error) {
	v := &Validator{}
	for _, d := range domains {
		d = normalizeHost(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, ".")
		if d == "" {
			continue
		}
		v.domains = append(v.domains, d)
	}
	if len(v.domains) == 0 {
		return nil, errors.New("target: allow-list is empty")
	}
	return v, nil
}

// Domains returns a copy of the normalised allow-list.
func (v *Validator) Domains() []string {
	return append([]string(nil), v.domains...)
}

// Allowed reports whether host equals an allow-listed domain or is a
// subdomain of one. Matching is on label boundaries: "evilwhatsapp.net"
// does not match "whatsapp.net". Hosts with empty labels never match.
func (v *Validator) Allowed(host string) bool {
	host = normalizeHost(host)
	if host == "" || strings.HasPrefix(host, ".") || strings.Contains(host, "..") {
		return false
	}
	for _, d := range v.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Validate parses raw and checks scheme family and host. Every rejection
// wraps model.ErrInvalidTarget.
func (v *Validator) Validate(raw string, f Family) (*Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing url", model.ErrInvalidTarget)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %w", model.ErrInvalidTarget, err)
	}
	if !u.IsAbs() || u.Opaque != "" {
		return nil, fmt.Errorf("%w: not an absolute url", model.ErrInvalidTarget)
	}

	scheme := strings.ToLower(u.Scheme)
	if !f.allows(scheme) {
		return nil, fmt.Errorf("%w: scheme %q not allowed for %s", model.ErrInvalidTarget, u.Scheme, f)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: credentials in url", model.ErrInvalidTarget)
	}

	host := normalizeHost(u.Hostname())
	if !v.Allowed(host) {
		return nil, fmt.Errorf("%w: host %q not allow-listed", model.ErrInvalidTarget, u.Hostname())
	}

	u.Scheme = scheme
	u.Fragment = ""
	u.RawFragment = ""
	return &Descriptor{Scheme: scheme, Host: host, URL: u}, nil
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(h), ".")
}
