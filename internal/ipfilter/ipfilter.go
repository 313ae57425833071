// Package ipfilter restricts HTTP listeners to configured client networks
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter checks client addresses against allowed networks
type Filter struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// New creates a filter from a list of IPs and CIDRs.
// An empty list allows every client; unparsable entries are logged and skipped.
func New(allowed []string, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger}

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("invalid CIDR in allowed_ips", "cidr", entry, "error", err)
				continue
			}
			f.prefixes = append(f.prefixes, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("invalid IP in allowed_ips", "ip", entry)
			continue
		}
		f.prefixes = append(f.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return f
}

// Enabled reports whether any network is configured
func (f *Filter) Enabled() bool {
	return len(f.prefixes) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	return len(f.prefixes)
}

// IsAllowed reports whether addr may connect
func (f *Filter) IsAllowed(addr netip.Addr) bool {
	if !f.Enabled() {
		return true
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsAllowedString parses s and checks it. Unparsable input is denied.
func (f *Filter) IsAllowedString(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return f.IsAllowed(addr)
}

// ClientAddr extracts the client address from X-Forwarded-For, X-Real-IP
// or RemoteAddr, in that order
func ClientAddr(r *http.Request) (netip.Addr, bool) {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr, true
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr, true
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	return addr, err == nil
}

// HTTPMiddleware rejects requests from clients outside the allowed networks
func (f *Filter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		addr, ok := ClientAddr(r)
		if !ok {
			f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !f.IsAllowed(addr) {
			f.logger.Warn("access denied by IP filter", "ip", addr.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
