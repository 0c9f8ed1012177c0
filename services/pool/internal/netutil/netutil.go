// Package netutil extracts caller device details from HTTP requests.
package netutil

import (
	"net/http"
	"net/netip"
	"strings"
	"unicode/utf8"

	"sharepool/services/pool/internal/domain"
)

const (
	MaxUserAgentLength = 512
	MaxDeviceIDLength  = 128
	DeviceIDHeader     = "X-Device-ID"
)

// NormalizeIP returns the canonical address in raw, which may carry a port
// or an IPv6 zone.
func NormalizeIP(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().WithZone("").String(), true
	}
	host := raw
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			host = host[1:end]
		}
	} else if strings.Count(host, ":") == 1 {
		host = host[:strings.Index(host, ":")]
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.WithZone("").String(), true
	}
	return raw, false
}

// ClientIP picks the caller address. Forwarding headers are only honoured
// behind a trusted proxy.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip, ok := NormalizeIP(first); ok {
				return ip
			}
		}
		if ip, ok := NormalizeIP(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}
	if ip, ok := NormalizeIP(r.RemoteAddr); ok {
		return ip
	}
	return r.RemoteAddr
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Device builds the DeviceInfo for an access request.
func Device(r *http.Request, trustProxy bool) domain.DeviceInfo {
	return domain.DeviceInfo{
		IP:        ClientIP(r, trustProxy),
		DeviceID:  truncate(strings.TrimSpace(r.Header.Get(DeviceIDHeader)), MaxDeviceIDLength),
		UserAgent: truncate(r.UserAgent(), MaxUserAgentLength),
	}
}
