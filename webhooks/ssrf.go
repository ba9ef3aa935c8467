package webhooks

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLValidationError distinguishes SSRF rejections from transport failures.
type URLValidationError struct {
	Reason string
}

func (e *URLValidationError) Error() string {
	return e.Reason
}

// isBlockedIP reports whether an address must never receive webhook traffic.
// Everything that is not globally routable is blocked: loopback, private
// ranges (10/8, 172.16/12, 192.168/16, fc00::/7), link-local (169.254/16,
// fe80::/10), multicast, the unspecified address, and the reserved, shared
// and documentation ranges listed below.
func isBlockedIP(ip net.IP) bool {
	for _, cidr := range []string{
		"0.0.0.0/8", "100.64.0.0/10", "192.0.0.0/24", "192.0.2.0/24", "198.18.0.0/15",
		"198.51.100.0/24", "203.0.113.0/24", "240.0.0.0/4", "2001:db8::/32",
	} {
		if _, block, err := net.ParseCIDR(cidr); err == nil && block.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

// validateURL performs the SSRF checks: scheme, HTTPS-in-production, and a
// per-address review of every A/AAAA record the hostname resolves to. DNS
// failures do not block; the delivery attempt itself will surface a clearer
// error.
func (d *Dispatcher) validateURL(ctx context.Context, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return &URLValidationError{Reason: fmt.Sprintf("invalid URL: %v", err)}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if d.production && scheme != "https" {
		return &URLValidationError{Reason: "webhook URL must use HTTPS in production"}
	}
	if scheme != "http" && scheme != "https" {
		return &URLValidationError{Reason: fmt.Sprintf("invalid URL scheme: %s", parsed.Scheme)}
	}

	host := parsed.Hostname()
	if host == "" {
		return &URLValidationError{Reason: "webhook URL must have a hostname"}
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return &URLValidationError{Reason: fmt.Sprintf("webhook URL resolves to blocked IP range (%s)", ip)}
		}
		return nil
	}

	addrs, err := d.lookupIP(ctx, host)
	if err != nil {
		d.log.Warn("could not resolve webhook hostname", "host", host, "error", err)
		return nil
	}
	for _, addr := range addrs {
		if isBlockedIP(addr.IP) {
			d.log.Warn("webhook URL resolves to non-global IP", "url", raw, "ip", addr.IP.String())
			return &URLValidationError{Reason: fmt.Sprintf("webhook URL resolves to blocked IP range (%s)", addr.IP)}
		}
	}
	return nil
}
