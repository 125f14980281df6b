package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Load returns Default() overlaid with environment variables. envconfig
// builds each key from the "PIPELINE" prefix, the nested struct's field name
// and the field's tag, e.g. PIPELINE_POSTGRES_POSTGRES_DSN, and falls back to
// the bare tag (POSTGRES_DSN) when that key is unset.
func Load() (Config, error) {
	cfg := Default()
	if err := envconfig.Process("pipeline", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: process env: %w", err)
	}
	return cfg, nil
}
