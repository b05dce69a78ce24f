package config

import "time"

type Config interface {
	CredentialsConfig
	SSOConfig
	HTTPConfig
	CacheConfig
	EnvConfig
}

type CredentialsConfig interface {
	GetEmail() string
	GetPassword() string
}

type SSOConfig interface {
	GetStrategy() string
	GetMFAFallback() string
	GetClientID() string
	GetSSOTimeout() time.Duration
}

type HTTPConfig interface {
	GetAPITimeout() time.Duration
	GetGatewayRetries() int
	GetGatewayDelay() time.Duration
	GetConnectRetries() int
	GetConnectDelay() time.Duration
}

type CacheConfig interface {
	GetCacheDir() string
}

type EnvConfig interface {
	GetDomain() string
	GetLogLevel() string
}

// New builds the layered configuration: built-in defaults, then the YAML
// config file (if present), then FITCLOUD_* environment variables. Flag
// values are applied on top by the cmd layer via Settings fields.
func New() *Settings {
	s := defaults()
	s.applyFile(configFilePath())
	s.applyEnv()
	return s
}
