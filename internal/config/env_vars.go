package config

import (
	"os"
	"strconv"
	"time"
)

const (
	emailEnvVar    = "FITCLOUD_EMAIL"
	passwordEnvVar = "FITCLOUD_PASSWORD"
	domainEnvVar   = "FITCLOUD_DOMAIN"
	strategyEnvVar = "FITCLOUD_SSO_STRATEGY"
	mfaEnvVar      = "FITCLOUD_MFA_FALLBACK"
	cacheEnvVar    = "FITCLOUD_CACHE_DIR"
	timeoutEnvVar  = "FITCLOUD_API_TIMEOUT"
	logLevelEnvVar = "FITCLOUD_LOG_LEVEL"
)

func (s *Settings) applyEnv() {
	setString(&s.Email, emailEnvVar)
	setString(&s.Password, passwordEnvVar)
	setString(&s.Domain, domainEnvVar)
	setString(&s.Strategy, strategyEnvVar)
	setString(&s.MFAFallback, mfaEnvVar)
	setString(&s.CacheDir, cacheEnvVar)
	setString(&s.LogLevel, logLevelEnvVar)
	setDuration(&s.APITimeout, timeoutEnvVar)
}

func setString(dst *string, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		*dst = v
	}
}

// setDuration accepts either a Go duration string ("90s") or bare seconds.
func setDuration(dst *time.Duration, envVar string) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
	}
}
