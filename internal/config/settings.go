package config

import (
	"os"
	"path/filepath"
	"time"
)

// Settings is the concrete configuration backing all config interfaces.
// Fields are exported so the cmd layer can overlay flag values directly.
type Settings struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	Domain      string `yaml:"domain"`
	Strategy    string `yaml:"strategy"`
	MFAFallback string `yaml:"mfa_fallback"`
	ClientID    string `yaml:"client_id"`

	SSOTimeout time.Duration `yaml:"sso_timeout"`
	APITimeout time.Duration `yaml:"api_timeout"`

	GatewayRetries int           `yaml:"gateway_retries"`
	GatewayDelay   time.Duration `yaml:"gateway_delay"`
	ConnectRetries int           `yaml:"connect_retries"`
	ConnectDelay   time.Duration `yaml:"connect_delay"`

	CacheDir string `yaml:"cache_dir"`
	LogLevel string `yaml:"log_level"`
}

var _ Config = (*Settings)(nil)

func defaults() *Settings {
	return &Settings{
		Domain:         "fitcloud.com",
		Strategy:       "auto",
		MFAFallback:    "none",
		ClientID:       "FITCLOUD_CONNECT_MOBILE",
		SSOTimeout:     15 * time.Second,
		APITimeout:     60 * time.Second,
		GatewayRetries: 2,
		GatewayDelay:   5 * time.Second,
		ConnectRetries: 2,
		ConnectDelay:   1 * time.Second,
		LogLevel:       "info",
	}
}

func (s *Settings) GetEmail() string    { return s.Email }
func (s *Settings) GetPassword() string { return s.Password }

func (s *Settings) GetStrategy() string          { return s.Strategy }
func (s *Settings) GetMFAFallback() string       { return s.MFAFallback }
func (s *Settings) GetClientID() string          { return s.ClientID }
func (s *Settings) GetSSOTimeout() time.Duration { return s.SSOTimeout }

func (s *Settings) GetAPITimeout() time.Duration   { return s.APITimeout }
func (s *Settings) GetGatewayRetries() int         { return s.GatewayRetries }
func (s *Settings) GetGatewayDelay() time.Duration { return s.GatewayDelay }
func (s *Settings) GetConnectRetries() int         { return s.ConnectRetries }
func (s *Settings) GetConnectDelay() time.Duration { return s.ConnectDelay }

// GetCacheDir returns the session cache directory. When not configured
// it is partitioned by region under ~/.fitcloud, so switching domains
// never picks up another region's credentials.
func (s *Settings) GetCacheDir() string {
	if s.CacheDir != "" {
		return s.CacheDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".fitcloud", s.Domain)
	}
	return filepath.Join(home, ".fitcloud", s.Domain)
}

func (s *Settings) GetDomain() string   { return s.Domain }
func (s *Settings) GetLogLevel() string { return s.LogLevel }
