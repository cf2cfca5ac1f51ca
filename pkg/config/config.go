// Package config provides the configuration of an ingestion run.
//
// A Config is built once (defaults, then an optional YAML file, then
// environment and flag overrides in the CLI), validated, and injected by
// value into the orchestrator. Components never read ambient globals.
//
// The configuration is organized into sections:
//   - Service: the Docker container backing the database
//   - Database: connection details and per-statement deadlines
//   - Source: the remote World Bank endpoint and HTTP behavior
//   - Readiness: how to wait for the database to accept connections
//   - Loader: the commit strategy
//   - Logging, Metrics, Tracing: observability
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Database.Port = 5440
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/wbingest/pkg/logger"
	"github.com/ajitpratap0/wbingest/pkg/retry"
	"github.com/ajitpratap0/wbingest/pkg/store"
)

// Readiness modes
const (
	ReadinessProbe = "probe"
	ReadinessFixed = "fixed"
)

// Commit modes
const (
	CommitPerRecord = store.CommitPerRecord
	CommitPerPage   = store.CommitPerPage
)

// DefaultBaseURL is the GDP (current US$) indicator for all countries.
const DefaultBaseURL = "https://api.worldbank.org/v2/country/all/indicator/NY.GDP.MKTP.CD?format=json"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config is the complete configuration of one ingestion run.
type Config struct {
	Service   ServiceConfig   `yaml:"service" json:"service"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Source    SourceConfig    `yaml:"source" json:"source"`
	Readiness ReadinessConfig `yaml:"readiness" json:"readiness"`
	Loader    LoaderConfig    `yaml:"loader" json:"loader"`
	Logging   logger.Config   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`

	// RunTimeout bounds the whole run; zero disables the bound
	RunTimeout time.Duration `yaml:"run_timeout" json:"run_timeout"`
}

// ServiceConfig describes the container that backs the database.
type ServiceConfig struct {
	// Name of the container, used for idempotent lookup
	Name string `yaml:"name" json:"name"`
	// Image reference, e.g. postgres:latest
	Image string `yaml:"image" json:"image"`
	// ContainerPort is the port/protocol exposed inside the container
	ContainerPort string `yaml:"container_port" json:"container_port"`
	// Volumes bound into the container
	Volumes []VolumeConfig `yaml:"volumes" json:"volumes"`
	// Env holds extra container environment on top of the database settings
	Env map[string]string `yaml:"env" json:"env"`
	// Detach runs the container in the background without following its logs
	Detach bool `yaml:"detach" json:"detach"`
	// PullImage pulls the image before creating a missing container
	PullImage bool `yaml:"pull_image" json:"pull_image"`
	// DockerHost overrides DOCKER_HOST when non-empty
	DockerHost string `yaml:"docker_host" json:"docker_host"`
	// APITimeout bounds each call to the Docker daemon
	APITimeout time.Duration `yaml:"api_timeout" json:"api_timeout"`
}

// VolumeConfig binds a host path into the container.
type VolumeConfig struct {
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
	Mode   string `yaml:"mode" json:"mode"` // rw or ro
}

// DatabaseConfig holds the connection details of the relational store.
type DatabaseConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Name     string `yaml:"name" json:"name"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`
	// Table receives the records
	Table string `yaml:"table" json:"table"`
	// ConnectTimeout bounds opening a session
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	// StatementTimeout bounds each statement or commit
	StatementTimeout time.Duration `yaml:"statement_timeout" json:"statement_timeout"`
}

// SourceConfig describes the remote dataset.
type SourceConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	// PerPage sets the per_page query parameter when positive
	PerPage int `yaml:"per_page" json:"per_page"`
	// RequestTimeout bounds each HTTP request including retries
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// RetryAttempts is the number of retries for transient HTTP failures
	RetryAttempts int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryWaitMin  time.Duration `yaml:"retry_wait_min" json:"retry_wait_min"`
	RetryWaitMax  time.Duration `yaml:"retry_wait_max" json:"retry_wait_max"`
	// RateLimitPerSec limits requests per second (0 = unlimited)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	UserAgent       string  `yaml:"user_agent" json:"user_agent"`
}

// ReadinessConfig selects how the run waits for the database.
type ReadinessConfig struct {
	// Mode is probe (active ping with backoff) or fixed (static grace period)
	Mode string `yaml:"mode" json:"mode"`
	// GracePeriod is the static delay of fixed mode
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`
	// Timeout bounds the whole probe loop
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Backoff drives the probe attempts
	Backoff retry.Policy `yaml:"backoff" json:"backoff"`
}

// LoaderConfig selects the commit strategy.
type LoaderConfig struct {
	// CommitMode is record (commit after every insert) or page (one transaction per page)
	CommitMode string `yaml:"commit_mode" json:"commit_mode"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr serves /metrics when non-empty, e.g. :9102
	Addr string `yaml:"addr" json:"addr"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
}

// Default returns the configuration of a local run: a postgres:latest
// container named postgres-docker-worldbank published on localhost:5435
// and the GDP indicator endpoint.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:          "postgres-docker-worldbank",
			Image:         "postgres:latest",
			ContainerPort: "5432/tcp",
			Volumes: []VolumeConfig{
				{Source: "/var/lib/postgresql/data", Target: "/var/lib/postgresql/data", Mode: "rw"},
			},
			Env:        map[string]string{},
			Detach:     true,
			PullImage:  true,
			APITimeout: 2 * time.Minute,
		},
		Database: DatabaseConfig{
			Host:             "localhost",
			Port:             5435,
			User:             "postgres",
			Password:         "123456",
			Name:             "postgres_world_bank",
			SSLMode:          "disable",
			Table:            "world_bank",
			ConnectTimeout:   10 * time.Second,
			StatementTimeout: 30 * time.Second,
		},
		Source: SourceConfig{
			BaseURL:        DefaultBaseURL,
			RequestTimeout: 30 * time.Second,
			RetryAttempts:  3,
			RetryWaitMin:   500 * time.Millisecond,
			RetryWaitMax:   10 * time.Second,
			UserAgent:      "wbingest/1.0",
		},
		Readiness: ReadinessConfig{
			Mode:        ReadinessProbe,
			GracePeriod: 10 * time.Second,
			Timeout:     60 * time.Second,
			Backoff: retry.Policy{
				MaxAttempts:     20,
				InitialDelay:    250 * time.Millisecond,
				MaxDelay:        5 * time.Second,
				Multiplier:      2.0,
				RandomizeFactor: 0.1,
			},
		},
		Loader: LoaderConfig{
			CommitMode: CommitPerRecord,
		},
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Tracing: TracingConfig{
			ServiceName:  "wbingest",
			SamplingRate: 1.0,
		},
		RunTimeout: time.Hour,
	}
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Service.Image == "" {
		return fmt.Errorf("service.image is required")
	}
	if _, _, err := splitPort(c.Service.ContainerPort); err != nil {
		return fmt.Errorf("service.container_port: %w", err)
	}
	for i, v := range c.Service.Volumes {
		if v.Source == "" || v.Target == "" {
			return fmt.Errorf("service.volumes[%d]: source and target are required", i)
		}
		if v.Mode != "" && v.Mode != "rw" && v.Mode != "ro" {
			return fmt.Errorf("service.volumes[%d]: mode must be rw or ro, got %q", i, v.Mode)
		}
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port must be between 1 and 65535")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if !identifierPattern.MatchString(c.Database.Table) {
		return fmt.Errorf("database.table %q is not a valid identifier", c.Database.Table)
	}
	if c.Database.ConnectTimeout < 0 || c.Database.StatementTimeout < 0 {
		return fmt.Errorf("database timeouts cannot be negative")
	}

	u, err := url.Parse(c.Source.BaseURL)
	if err != nil {
		return fmt.Errorf("source.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("source.base_url must be http or https")
	}
	if c.Source.PerPage < 0 {
		return fmt.Errorf("source.per_page cannot be negative")
	}
	if c.Source.RetryAttempts < 0 {
		return fmt.Errorf("source.retry_attempts cannot be negative")
	}
	if c.Source.RateLimitPerSec < 0 {
		return fmt.Errorf("source.rate_limit_per_sec cannot be negative")
	}

	switch c.Readiness.Mode {
	case ReadinessProbe:
		if c.Readiness.Timeout <= 0 {
			return fmt.Errorf("readiness.timeout must be positive in probe mode")
		}
	case ReadinessFixed:
		if c.Readiness.GracePeriod < 0 {
			return fmt.Errorf("readiness.grace_period cannot be negative")
		}
	default:
		return fmt.Errorf("readiness.mode must be %q or %q, got %q", ReadinessProbe, ReadinessFixed, c.Readiness.Mode)
	}

	switch c.Loader.CommitMode {
	case CommitPerRecord, CommitPerPage:
	default:
		return fmt.Errorf("loader.commit_mode must be %q or %q, got %q", CommitPerRecord, CommitPerPage, c.Loader.CommitMode)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
	}
	return nil
}

// DSN returns the PostgreSQL connection URL of the database section.
func (d DatabaseConfig) DSN() string {
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	if d.ConnectTimeout > 0 {
		secs := int(d.ConnectTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// ContainerEnv returns the container environment: the database password
// and name expected by the postgres image plus any extra entries.
func (c Config) ContainerEnv() map[string]string {
	env := make(map[string]string, len(c.Service.Env)+2)
	for k, v := range c.Service.Env {
		env[k] = v
	}
	env["POSTGRES_PASSWORD"] = c.Database.Password
	env["POSTGRES_DB"] = c.Database.Name
	if c.Database.User != "" && c.Database.User != "postgres" {
		env["POSTGRES_USER"] = c.Database.User
	}
	return env
}

// PortBindings maps the container port to the host port of the database.
func (c Config) PortBindings() map[string]string {
	return map[string]string{c.Service.ContainerPort: strconv.Itoa(c.Database.Port)}
}

func splitPort(p string) (port, proto string, err error) {
	port, proto, found := strings.Cut(p, "/")
	if !found {
		proto = "tcp"
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", "", fmt.Errorf("invalid port %q", p)
	}
	if proto != "tcp" && proto != "udp" {
		return "", "", fmt.Errorf("invalid protocol in %q", p)
	}
	return port, proto, nil
}
