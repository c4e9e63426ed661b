package httpserver

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":8080"
	defaultAllowedOrigin  = "http://localhost:3000"
	defaultRequestTimeout = 10 * time.Second
	defaultAdminIssuer    = "siraj"
)

// Config aggregates runtime settings for the wallet HTTP surface.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	WebhookSecret  string
	AdminJWTSecret string
	AdminJWTIssuer string
	OIDCAudience   string
	RequestTimeout time.Duration
}

// Validate fills defaults and rejects configurations the server cannot run
// with.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.AdminJWTIssuer = defaultIfEmpty(cfg.AdminJWTIssuer, defaultAdminIssuer)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.WebhookSecret) == 0 {
		return fmt.Errorf("webhook secret is required")
	}
	if len(cfg.AdminJWTSecret) == 0 {
		return fmt.Errorf("admin jwt secret is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
