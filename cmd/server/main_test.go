package main

import (
	"reflect"
	"testing"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/config"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected []string
	}{
		{"single", "results:*", []string{"results:*"}},
		{"trims spaces", " results:fid , results:kid ", []string{"results:fid", "results:kid"}},
		{"drops empties", "a,,b,", []string{"a", "b"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitList(tt.in); !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("splitList(%q) = %#v, expected %#v", tt.in, got, tt.expected)
			}
		})
	}
}

func TestServerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9090
	cfg.Server.AuthEnabled = true
	cfg.Server.JWTSecret = "s"
	cfg.Server.RateLimit = 5
	cfg.Server.RateBurst = 10

	sc := serverConfig(cfg, "https://a.example, https://b.example")

	if sc.Host != "127.0.0.1" || sc.Port != 9090 {
		t.Errorf("Expected 127.0.0.1:9090, got %s:%d", sc.Host, sc.Port)
	}
	if !sc.Auth.Enabled || sc.Auth.JWTSecret != "s" {
		t.Errorf("Expected auth enabled with the configured secret, got %+v", sc.Auth)
	}
	if !sc.RateLimit.Enabled || sc.RateLimit.RequestsPerSec != 5 || sc.RateLimit.Burst != 10 {
		t.Errorf("Unexpected rate limit %+v", sc.RateLimit)
	}
	if !sc.RateLimit.PerUser {
		t.Error("Expected per-subject limits when auth is enabled")
	}
	if !sc.CORSEnabled || len(sc.CORSOrigins) != 2 {
		t.Errorf("Expected two CORS origins, got %v", sc.CORSOrigins)
	}

	if plain := serverConfig(config.Default(), ""); plain.CORSEnabled || plain.Auth.Enabled {
		t.Errorf("Expected CORS and auth off by default, got %+v", plain)
	}
}
