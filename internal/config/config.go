// Package config resolves process settings from the environment, with an
// optional .env file for local development. Flags in the cmd mains override
// what this package returns; resolution order everywhere is flag → env →
// default.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"csvetl/internal/notify"
)

// Settings is the full process configuration.
type Settings struct {
	// StorageKind selects the storage backend ("sqlite", "postgres",
	// "mssql").
	StorageKind string
	// StorageDSN is backend-specific; for sqlite it is the database path.
	StorageDSN string

	// InputDir is where auto-detected source files are looked up.
	InputDir string
	// QuarantineDir receives per-run reject CSVs.
	QuarantineDir string

	// SampleSize bounds schema-inference sampling per column.
	SampleSize int
	// TransformWorkers sizes the per-run transform worker pool.
	TransformWorkers int

	// MetricsBackend is "datadog" or "none".
	MetricsBackend string

	// ListenAddr is the etlserver bind address.
	ListenAddr string

	Notify notify.Config
}

// Load reads settings. A missing .env file is not an error; explicit
// environment always wins over file contents (godotenv does not override).
func Load() Settings {
	_ = godotenv.Load()

	cwd, _ := os.Getwd()

	return Settings{
		StorageKind:      envStr("STORAGE_KIND", "sqlite"),
		StorageDSN:       envStr("STORAGE_DSN", "sales_data.sqlite"),
		InputDir:         envStr("INPUT_DIR", filepath.Join(cwd, "data", "input")),
		QuarantineDir:    envStr("QUARANTINE_DIR", filepath.Join(cwd, "data", "quarantine")),
		SampleSize:       envInt("SAMPLE_SIZE", 0),
		TransformWorkers: envInt("TRANSFORM_WORKERS", 0),
		MetricsBackend:   envStr("METRICS_BACKEND", "none"),
		ListenAddr:       envStr("LISTEN_ADDR", ":8080"),
		Notify: notify.Config{
			Enabled:         envBool("ENABLE_NOTIFICATIONS", false),
			SlackWebhookURL: envStr("SLACK_WEBHOOK_URL", ""),
			SMTPHost:        envStr("SMTP_SERVER", "smtp.gmail.com"),
			SMTPPort:        envInt("SMTP_PORT", 587),
			SMTPUser:        envStr("SMTP_USER", ""),
			SMTPPassword:    envStr("SMTP_PASSWORD", ""),
			SMTPRecipient:   envStr("SMTP_RECIPIENT", ""),
		},
	}
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes"
}
