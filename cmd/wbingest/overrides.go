package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/wbingest/pkg/config"
)

// envPrefix namespaces environment overrides, e.g. WBINGEST_DATABASE_PASSWORD.
const envPrefix = "WBINGEST"

// flagKeys maps run flags to configuration keys.
var flagKeys = map[string]string{
	"commit-mode":   "loader.commit_mode",
	"per-page":      "source.per_page",
	"base-url":      "source.base_url",
	"readiness":     "readiness.mode",
	"log-level":     "logging.level",
	"metrics-addr":  "metrics.addr",
	"trace":         "tracing.enabled",
	"timeout":       "run_timeout",
	"docker-host":   "service.docker_host",
	"database-port": "database.port",
}

// newViper returns a viper instance reading WBINGEST_* variables and the
// given flags.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

// applyOverrides copies every key set in v (by environment or by an
// explicitly passed flag) onto cfg.
func applyOverrides(v *viper.Viper, cfg *config.Config) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str("service.name", &cfg.Service.Name)
	str("service.image", &cfg.Service.Image)
	str("service.docker_host", &cfg.Service.DockerHost)
	flag("service.detach", &cfg.Service.Detach)
	flag("service.pull_image", &cfg.Service.PullImage)

	str("database.host", &cfg.Database.Host)
	num("database.port", &cfg.Database.Port)
	str("database.user", &cfg.Database.User)
	str("database.password", &cfg.Database.Password)
	str("database.name", &cfg.Database.Name)
	str("database.ssl_mode", &cfg.Database.SSLMode)
	str("database.table", &cfg.Database.Table)

	str("source.base_url", &cfg.Source.BaseURL)
	num("source.per_page", &cfg.Source.PerPage)
	num("source.retry_attempts", &cfg.Source.RetryAttempts)
	if v.IsSet("source.rate_limit_per_sec") {
		cfg.Source.RateLimitPerSec = v.GetFloat64("source.rate_limit_per_sec")
	}

	str("readiness.mode", &cfg.Readiness.Mode)
	if v.IsSet("readiness.timeout") {
		cfg.Readiness.Timeout = v.GetDuration("readiness.timeout")
	}
	str("loader.commit_mode", &cfg.Loader.CommitMode)

	str("logging.level", &cfg.Logging.Level)
	str("logging.encoding", &cfg.Logging.Encoding)
	str("metrics.addr", &cfg.Metrics.Addr)
	flag("tracing.enabled", &cfg.Tracing.Enabled)

	if v.IsSet("run_timeout") {
		cfg.RunTimeout = v.GetDuration("run_timeout")
	}
}
