package auditexport

import (
	"fmt"
	"strings"

	"github.com/corral-labs/corral-go/internal/platform/env"
)

// Config controls audit export format and destination. An empty path
// disables export entirely.
type Config struct {
	Format string
	Path   string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Format: env.String("AUDIT_EXPORT_FORMAT", "ndjson"),
		Path:   env.String("AUDIT_EXPORT_PATH", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Path) != ""
}

func (c Config) Validate() error {
	format := strings.ToLower(strings.TrimSpace(c.Format))
	if format == "" {
		format = "ndjson"
	}
	if format != "ndjson" {
		return fmt.Errorf("unsupported audit export format: %s", format)
	}
	return nil
}
