package safeurl

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
)

// DefaultMaxRedirects bounds how many hops a delivery may follow.
const DefaultMaxRedirects = 3

/* ValidationError explains why a URL was rejected
 * It never echoes resolved internal addresses back to the caller beyond
 * the blocked range name, so error responses cannot be used to map the
 * internal network.
 */
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("url %q rejected: %s", e.URL, e.Reason)
}

/* ValidatedURL is the only form the outbound transport accepts,
 * enforcing validate-then-use. It carries no secret.
 */
type ValidatedURL struct {
	URL      *url.URL
	Hostname string
	Addrs    []netip.Addr
}

func (v ValidatedURL) String() string { return v.URL.String() }

// Resolver is satisfied by net.DefaultResolver; tests inject a fake.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

/* Validator classifies candidate subscriber URLs as safe or unsafe.
 * AllowLocalhost relaxes the scheme and loopback rules for development;
 * the address-range checks for everything non-loopback still apply.
 */
type Validator struct {
	AllowLocalhost bool
	MaxRedirects   int
	resolver       Resolver
}

type Option func(*Validator)

// WithAllowLocalhost permits http:// and loopback destinations.
func WithAllowLocalhost(allow bool) Option {
	return func(v *Validator) { v.AllowLocalhost = allow }
}

// WithMaxRedirects overrides the redirect hop budget.
func WithMaxRedirects(n int) Option {
	return func(v *Validator) { v.MaxRedirects = n }
}

// WithResolver injects a DNS resolver.
func WithResolver(r Resolver) Option {
	return func(v *Validator) { v.resolver = r }
}

func New(opts ...Option) *Validator {
	v := &Validator{
		MaxRedirects: DefaultMaxRedirects,
		resolver:     net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

/* Validate applies the rules in order: scheme, hostname shape, DNS
 * resolution, resolved address ranges. DNS is the only side effect, and
 * its answer is untrusted: every resolved address must individually pass.
 */
func (v *Validator) Validate(ctx context.Context, raw string) (ValidatedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ValidatedURL{}, &ValidationError{URL: raw, Reason: "malformed url"}
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !v.AllowLocalhost {
			return ValidatedURL{}, &ValidationError{URL: raw, Reason: "https is required"}
		}
	default:
		return ValidatedURL{}, &ValidationError{URL: raw, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	host := u.Hostname()
	if host == "" {
		return ValidatedURL{}, &ValidationError{URL: raw, Reason: "hostname is required"}
	}
	if isMetadataHost(host) {
		return ValidatedURL{}, &ValidationError{URL: raw, Reason: "cloud metadata endpoints are blocked"}
	}

	var addrs []netip.Addr
	if ip, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{ip}
	} else {
		addrs, err = v.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return ValidatedURL{}, &ValidationError{URL: raw, Reason: "hostname did not resolve"}
		}
	}

	for _, addr := range addrs {
		if reason := v.blockedAddr(addr); reason != "" {
			return ValidatedURL{}, &ValidationError{URL: raw, Reason: reason}
		}
	}

	return ValidatedURL{URL: u, Hostname: host, Addrs: addrs}, nil
}

/* CheckRedirect re-applies Validate to every redirect target and
 * additionally rejects cross-host hops and hop counts past the budget.
 * Wired as the http.Client CheckRedirect hook, it closes the "valid host
 * redirects to an internal host" bypass.
 */
func (v *Validator) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= v.MaxRedirects {
		return &ValidationError{URL: req.URL.String(), Reason: fmt.Sprintf("more than %d redirects", v.MaxRedirects)}
	}
	original := via[0].URL
	if !strings.EqualFold(req.URL.Hostname(), original.Hostname()) {
		return &ValidationError{URL: req.URL.String(), Reason: "redirect to a different host"}
	}
	if _, err := v.Validate(req.Context(), req.URL.String()); err != nil {
		return err
	}
	return nil
}

// blockedAddr names the blocked range an address falls in, or "".
func (v *Validator) blockedAddr(addr netip.Addr) string {
	addr = addr.Unmap()

	if addr.IsLoopback() {
		if v.AllowLocalhost {
			return ""
		}
		return "loopback address"
	}
	if metadataAddr(addr) {
		return "cloud metadata address"
	}
	if addr.IsPrivate() {
		return "private address range"
	}
	if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return "link-local address"
	}
	if addr.IsUnspecified() {
		return "unspecified address"
	}
	return ""
}

func metadataAddr(addr netip.Addr) bool {
	// 169.254.169.254 (AWS/GCP/Azure IMDS) and its IPv6 equivalent.
	return addr == netip.AddrFrom4([4]byte{169, 254, 169, 254}) ||
		addr == netip.MustParseAddr("fd00:ec2::254")
}

func isMetadataHost(host string) bool {
	switch strings.ToLower(strings.TrimSuffix(host, ".")) {
	case "metadata.google.internal", "metadata.goog", "metadata":
		return true
	}
	return false
}
