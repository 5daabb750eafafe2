// Package urlvalidator gates outbound HTTP fetches requested by research
// tools (scrape_page, search result following, document fetches) against
// an SSRF policy (spec §4.4, C4): scheme allowlist, private/loopback/
// link-local/CGNAT/metadata-endpoint rejection, port allowlist, and a URL
// length cap.
package urlvalidator

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
)

const maxURLLength = 2048

var defaultAllowedPorts = map[int]bool{80: true, 443: true, 8080: true, 8443: true}

// RejectedError is the typed failure returned on policy violation (spec §4.4
// "typed UrlRejected error including the rule that matched").
type RejectedError struct {
	URL  string
	Rule string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("url rejected (%s): %s", e.Rule, e.URL)
}

func (e *RejectedError) Kind() string { return "UrlRejected" }

// Resolver abstracts DNS resolution so tests can inject fixed addresses
// without a network round trip.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config controls validator policy.
type Config struct {
	AllowedPorts   map[int]bool // nil = defaultAllowedPorts
	Denylist       []netip.Prefix
	AllowPrivateIPs bool // ALLOW_PRIVATE_IPS env — dev-only escape hatch
}

// Validator checks outbound URLs against the SSRF policy.
type Validator struct {
	cfg      Config
	resolver Resolver
}

// New constructs a Validator. resolver may be nil to use net.DefaultResolver.
func New(cfg Config, resolver Resolver) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if cfg.AllowedPorts == nil {
		cfg.AllowedPorts = defaultAllowedPorts
	}
	return &Validator{cfg: cfg, resolver: resolver}
}

// Validate applies the ordered policy checks of spec §4.4 and returns a
// *RejectedError naming the first rule that failed, or nil if rawURL is
// permitted for outbound fetch.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	if len(rawURL) > maxURLLength {
		return &RejectedError{URL: truncateForError(rawURL), Rule: "url-too-long"}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return &RejectedError{URL: rawURL, Rule: "unparseable-url"}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return &RejectedError{URL: rawURL, Rule: "scheme-not-allowed"}
	}

	host := u.Hostname()
	if host == "" {
		return &RejectedError{URL: rawURL, Rule: "missing-host"}
	}

	port := portOf(u)
	if !v.cfg.AllowedPorts[port] {
		return &RejectedError{URL: rawURL, Rule: "port-not-allowed"}
	}

	if v.cfg.AllowPrivateIPs {
		return nil
	}

	addrs, err := v.resolveHost(ctx, host)
	if err != nil {
		return &RejectedError{URL: rawURL, Rule: "dns-resolution-failed"}
	}
	for _, addr := range addrs {
		if rule := forbiddenAddressRule(addr, v.cfg.Denylist); rule != "" {
			return &RejectedError{URL: rawURL, Rule: rule}
		}
	}
	return nil
}

func (v *Validator) resolveHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, nil
	}
	ipAddrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(ipAddrs))
	for _, a := range ipAddrs {
		if addr, ok := netip.AddrFromSlice(a.IP); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// metadataEndpoints lists the well-known cloud-provider instance-metadata
// addresses in addition to the generic link-local range (spec §4.4).
var metadataEndpoints = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"), // AWS/GCP/Azure/DigitalOcean
	netip.MustParseAddr("100.100.100.200"), // Alibaba Cloud
}

func forbiddenAddressRule(addr netip.Addr, denylist []netip.Prefix) string {
	for _, meta := range metadataEndpoints {
		if addr == meta {
			return "metadata-endpoint"
		}
	}
	if addr.IsLoopback() {
		return "loopback"
	}
	if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return "link-local"
	}
	if addr.IsMulticast() {
		return "multicast"
	}
	if addr.IsPrivate() {
		return "private-range"
	}
	if addr.IsUnspecified() {
		return "unspecified"
	}
	if isCGNAT(addr) {
		return "cgnat"
	}
	for _, p := range denylist {
		if p.Contains(addr) {
			return "denylisted"
		}
	}
	return ""
}

// cgnatPrefix is the Carrier-Grade NAT shared address space, RFC 6598
// (100.64.0.0/10).
var cgnatPrefix = netip.MustParsePrefix("100.64.0.0/10")

func isCGNAT(addr netip.Addr) bool {
	return addr.Is4() && cgnatPrefix.Contains(addr)
}

func truncateForError(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
