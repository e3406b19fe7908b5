// SPDX-License-Identifier: MIT

package server

import (
	"net/http/httptest"
	"testing"
)

func TestCheckOrigin(t *testing.T) {
	cases := []struct {
		name   string
		host   string
		origin string
		want   bool
	}{
		{"missing origin allowed", "transcribe.example.com", "", true},
		{"matching host", "transcribe.example.com", "https://transcribe.example.com", true},
		{"matching host with port", "transcribe.example.com:8443", "https://transcribe.example.com:8443", true},
		{"localhost allowed", "transcribe.example.com", "https://localhost:5173", true},
		{"loopback allowed", "transcribe.example.com", "http://127.0.0.1:3000", true},
		{"mesh vpn range allowed", "transcribe.example.com", "https://100.64.0.5", true},
		{"mismatched host rejected", "transcribe.example.com", "https://evil.example.net", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "https://"+tc.host+"/ws", nil)
			req.Host = tc.host
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if got := checkOrigin(req); got != tc.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tc.want)
			}
		})
	}
}
