// ABOUTME: Outbound webhook URL validation against scheme and network-range policy
// ABOUTME: Resolves hostnames with a bounded timeout and rejects private targets

package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/gaissmai/bart"
)

// DefaultDNSTimeout bounds hostname resolution when none is configured.
const DefaultDNSTimeout = 3 * time.Second

// Reasons returned to callers. They never include resolved addresses.
const (
	ReasonInvalidURL      = "invalid URL"
	ReasonSchemeHTTPS     = "URL must use https"
	ReasonSchemeNotHTTP   = "URL scheme must be http or https"
	ReasonMissingHost     = "URL has no host"
	ReasonUnresolvable    = "hostname could not be resolved"
	ReasonBlockedAddress  = "URL points to a private or reserved network address"
	ReasonUserinfoPresent = "URL must not contain credentials"
)

// ErrRejected matches every RejectedError.
var ErrRejected = errors.New("webhook target rejected")

// RejectedError is returned when a URL fails the guard.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }

// Is reports whether target is ErrRejected.
func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

func reject(reason string) *RejectedError { return &RejectedError{Reason: reason} }

// blockedPrefixes are the ranges no webhook may reach.
var blockedPrefixes = map[string]string{
	"0.0.0.0/8":      "this-network",
	"10.0.0.0/8":     "private",
	"100.64.0.0/10":  "shared-address", // CGNAT, includes tailnet peers
	"127.0.0.0/8":    "loopback",
	"169.254.0.0/16": "link-local",
	"172.16.0.0/12":  "private",
	"192.168.0.0/16": "private",
	"224.0.0.0/4":    "multicast",
	"::/128":         "unspecified",
	"::1/128":        "loopback",
	"64:ff9b::/96":   "nat64", // embeds an IPv4 address
	"fc00::/7":       "unique-local",
	"fe80::/10":      "link-local",
	"ff00::/8":       "multicast",
}

func defaultBlocklist() *bart.Table[string] {
	t := new(bart.Table[string])
	for cidr, label := range blockedPrefixes {
		t.Insert(netip.MustParsePrefix(cidr), label)
	}
	return t
}

// Resolver looks up the addresses of a hostname. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Decision is the outcome of validating a URL.
type Decision struct {
	Valid  bool
	Reason string
	// Addr is the first permitted address when Valid.
	Addr netip.Addr
}

// Option configures a Guard.
type Option func(*Guard)

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// Guard validates outbound webhook URLs.
type Guard struct {
	allowHTTP  bool
	dnsTimeout time.Duration
	resolver   Resolver
	blocked    *bart.Table[string]
	logger     *slog.Logger
}

// NewGuard creates a guard. allowHTTP relaxes the scheme policy for
// development; the network-range policy always applies.
func NewGuard(allowHTTP bool, dnsTimeout time.Duration, opts ...Option) *Guard {
	if dnsTimeout <= 0 {
		dnsTimeout = DefaultDNSTimeout
	}
	g := &Guard{
		allowHTTP:  allowHTTP,
		dnsTimeout: dnsTimeout,
		resolver:   net.DefaultResolver,
		blocked:    defaultBlocklist(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "webhook_guard")
	return g
}

// Validate checks rawURL and reports the outcome as a Decision.
func (g *Guard) Validate(ctx context.Context, rawURL string) Decision {
	addr, err := g.Check(ctx, rawURL)
	if err != nil {
		return Decision{Reason: err.Error()}
	}
	return Decision{Valid: true, Addr: addr}
}

// Check validates rawURL and returns the permitted address to connect to.
// Errors are *RejectedError.
func (g *Guard) Check(ctx context.Context, rawURL string) (netip.Addr, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return netip.Addr{}, reject(ReasonInvalidURL)
	}
	if err := g.checkScheme(u.Scheme); err != nil {
		return netip.Addr{}, err
	}
	if u.User != nil {
		return netip.Addr{}, reject(ReasonUserinfoPresent)
	}
	host := u.Hostname()
	if host == "" {
		return netip.Addr{}, reject(ReasonMissingHost)
	}
	return g.checkHost(ctx, host)
}

func (g *Guard) checkScheme(scheme string) error {
	switch strings.ToLower(scheme) {
	case "https":
		return nil
	case "http":
		if g.allowHTTP {
			return nil
		}
		return reject(ReasonSchemeHTTPS)
	case "":
		return reject(ReasonInvalidURL)
	default:
		return reject(ReasonSchemeNotHTTP)
	}
}

// checkHost resolves host and requires every resolved address to be
// permitted. A single blocked address rejects the host.
func (g *Guard) checkHost(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if label, blocked := g.lookup(addr); blocked {
			g.logger.Warn("webhook target rejected", "host", host, "range", label)
			return netip.Addr{}, reject(ReasonBlockedAddress)
		}
		return normalize(addr), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.dnsTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		g.logger.Warn("webhook host did not resolve", "host", host, "error", err)
		return netip.Addr{}, reject(ReasonUnresolvable)
	}

	for _, addr := range addrs {
		if label, blocked := g.lookup(addr); blocked {
			g.logger.Warn("webhook target rejected", "host", host, "addr", addr.String(), "range", label)
			return netip.Addr{}, reject(ReasonBlockedAddress)
		}
	}
	return normalize(addrs[0]), nil
}

func (g *Guard) lookup(addr netip.Addr) (string, bool) {
	return g.blocked.Lookup(normalize(addr))
}

// normalize strips zones and unmaps IPv4-mapped IPv6 addresses so that
// ::ffff:127.0.0.1 is checked as 127.0.0.1.
func normalize(addr netip.Addr) netip.Addr {
	return addr.WithZone("").Unmap()
}
