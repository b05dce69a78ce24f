package config

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const configFileEnvVar = "FITCLOUD_CONFIG"

// configFilePath returns the YAML config file location, honoring
// FITCLOUD_CONFIG and falling back to ~/.fitcloud/config.yaml.
func configFilePath() string {
	if p := os.Getenv(configFileEnvVar); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".fitcloud", "config.yaml")
	}
	return filepath.Join(home, ".fitcloud", "config.yaml")
}

// applyFile overlays values from the YAML config file. A missing file is
// fine; a malformed one is logged and skipped so a bad config never blocks
// the CLI from running with defaults.
func (s *Settings) applyFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		log.Warn().Str("path", path).Err(err).Msg("Ignoring malformed config file")
	}
}
