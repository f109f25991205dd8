package config

import (
	"testing"
)

// TestLoadDefaults verifies the zero-environment defaults.
func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"STORAGE_KIND", "STORAGE_DSN", "SAMPLE_SIZE", "METRICS_BACKEND",
		"LISTEN_ADDR", "ENABLE_NOTIFICATIONS", "SMTP_PORT",
	} {
		t.Setenv(key, "")
	}

	s := Load()
	if s.StorageKind != "sqlite" || s.StorageDSN != "sales_data.sqlite" {
		t.Fatalf("storage defaults = %q/%q", s.StorageKind, s.StorageDSN)
	}
	if s.MetricsBackend != "none" || s.ListenAddr != ":8080" {
		t.Fatalf("defaults = %+v", s)
	}
	if s.Notify.Enabled {
		t.Fatalf("notifications enabled by default")
	}
	if s.Notify.SMTPPort != 587 {
		t.Fatalf("smtp port default = %d", s.Notify.SMTPPort)
	}
}

// TestLoadFromEnvironment verifies explicit environment wins over defaults.
func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORAGE_KIND", "postgres")
	t.Setenv("STORAGE_DSN", "postgres://etl@db/sales")
	t.Setenv("SAMPLE_SIZE", "50")
	t.Setenv("TRANSFORM_WORKERS", "4")
	t.Setenv("ENABLE_NOTIFICATIONS", "true")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.example/x")
	t.Setenv("SMTP_PORT", "2525")

	s := Load()
	if s.StorageKind != "postgres" || s.StorageDSN != "postgres://etl@db/sales" {
		t.Fatalf("storage = %q/%q", s.StorageKind, s.StorageDSN)
	}
	if s.SampleSize != 50 || s.TransformWorkers != 4 {
		t.Fatalf("numbers = %d/%d", s.SampleSize, s.TransformWorkers)
	}
	if !s.Notify.Enabled || s.Notify.SlackWebhookURL == "" || s.Notify.SMTPPort != 2525 {
		t.Fatalf("notify = %+v", s.Notify)
	}
}

// TestBoolParsing verifies the accepted truthy spellings and the fallback on
// junk values.
func TestBoolParsing(t *testing.T) {
	tests := []struct {
		in     string
		expect bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{"false", false},
		{"0", false},
		{"banana", false},
	}
	for _, tt := range tests {
		t.Setenv("ENABLE_NOTIFICATIONS", tt.in)
		if got := Load().Notify.Enabled; got != tt.expect {
			t.Fatalf("ENABLE_NOTIFICATIONS=%q -> %v, want %v", tt.in, got, tt.expect)
		}
	}
}
