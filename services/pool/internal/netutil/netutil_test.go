package netutil

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		ok       bool
	}{
		{"192.0.2.4:8080", "192.0.2.4", true},
		{"[2001:db8::1]:443", "2001:db8::1", true},
		{"[::1]:port", "::1", true},
		{"203.0.113.9", "203.0.113.9", true},
		{"2001:db8::5", "2001:db8::5", true},
		{"fe80::1%eth0", "fe80::1", true},
		{"not-an-ip", "not-an-ip", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, ok := NormalizeIP(tc.input)
		assert.Equal(t, tc.ok, ok, tc.input)
		assert.Equal(t, tc.expected, got, tc.input)
	}
}

func TestDevice(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/access", nil)
	r.RemoteAddr = "10.0.0.2:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	r.Header.Set(DeviceIDHeader, "  living-room-tv ")
	r.Header.Set("User-Agent", strings.Repeat("é", MaxUserAgentLength+10))

	d := Device(r, true)
	assert.Equal(t, "198.51.100.7", d.IP)
	assert.Equal(t, "living-room-tv", d.DeviceID)
	assert.Equal(t, MaxUserAgentLength, len([]rune(d.UserAgent)))

	assert.Equal(t, "10.0.0.2", Device(r, false).IP, "headers ignored without a trusted proxy")
}
