package ws

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpgrader_CheckOrigin(t *testing.T) {
	up := newUpgrader([]string{"https://app.example.com", " https://admin.example.com:8443 ", "not a url"})

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"null", true},
		{"http://localhost:5173", true},
		{"https://127.0.0.1:8080", true},
		{"http://localhost", true},
		{"https://app.example.com", true},
		{"HTTPS://APP.example.com", true},
		{"https://admin.example.com:8443", true},
		// 前缀相同但 host 不同
		{"http://localhost.evil.com", false},
		{"http://127.0.0.1.evil.com", false},
		{"https://app.example.com.evil.com", false},
		{"https://app.example.com:9999", false},
		{"http://app.example.com", false},
		{"https://admin.example.com", false},
		{"ws://localhost:5173", false},
		{"https://evil.com", false},
		{"not a url", false},
	}
	for _, tc := range cases {
		t.Run(tc.origin, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/social/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, up.CheckOrigin(r))
		})
	}
}
