package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ajitpratap0/wbingest/pkg/config"
	"github.com/ajitpratap0/wbingest/pkg/ingesterrors"
	"github.com/ajitpratap0/wbingest/pkg/metrics"
	"github.com/ajitpratap0/wbingest/pkg/provision"
	"github.com/ajitpratap0/wbingest/pkg/store"
	"github.com/ajitpratap0/wbingest/pkg/worldbank"
)

// TargetFromConfig returns the service target described by cfg.
func TargetFromConfig(cfg config.Config) Target {
	volumes := make([]provision.VolumeBinding, 0, len(cfg.Service.Volumes))
	for _, v := range cfg.Service.Volumes {
		volumes = append(volumes, provision.VolumeBinding{Source: v.Source, Target: v.Target, Mode: v.Mode})
	}
	return Target{
		ServiceName: cfg.Service.Name,
		Image:       cfg.Service.Image,
		Service: provision.ServiceConfig{
			Env:       cfg.ContainerEnv(),
			Ports:     cfg.PortBindings(),
			Volumes:   volumes,
			Detach:    cfg.Service.Detach,
			PullImage: cfg.Service.PullImage,
		},
	}
}

// ReadinessFromConfig returns the waiter selected by cfg.Readiness.Mode.
func ReadinessFromConfig(cfg config.ReadinessConfig, probe provision.ProbeFunc, logger *zap.Logger) provision.ReadinessWaiter {
	if cfg.Mode == config.ReadinessFixed {
		return provision.FixedDelay{Delay: cfg.GracePeriod}
	}
	return provision.ProbeWaiter{
		Probe:   probe,
		Policy:  cfg.Backoff,
		Timeout: cfg.Timeout,
		Logger:  logger.With(zap.String("component", "readiness")),
	}
}

// Build wires the production collaborators for cfg: the Docker daemon, the
// World Bank API and PostgreSQL. The returned close function releases the
// Docker client.
func Build(cfg config.Config, m *metrics.Collector, logger *zap.Logger) (*Orchestrator, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, ingesterrors.Wrap(err, ingesterrors.KindConfig, "invalid configuration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	prov, err := provision.NewDockerProvisioner(cfg.Service.DockerHost,
		provision.WithAPITimeout(cfg.Service.APITimeout),
		provision.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	fetcher, err := worldbank.NewClient(worldbank.ClientConfig{
		BaseURL:         cfg.Source.BaseURL,
		PerPage:         cfg.Source.PerPage,
		RequestTimeout:  cfg.Source.RequestTimeout,
		RetryAttempts:   cfg.Source.RetryAttempts,
		RetryWaitMin:    cfg.Source.RetryWaitMin,
		RetryWaitMax:    cfg.Source.RetryWaitMax,
		RateLimitPerSec: cfg.Source.RateLimitPerSec,
		UserAgent:       cfg.Source.UserAgent,
	}, logger)
	if err != nil {
		return nil, nil, errors.Join(err, prov.Close())
	}

	connector := store.NewConnector(cfg.Database.DSN(), cfg.Database.ConnectTimeout, logger)
	loader, err := store.NewLoader(cfg.Database.Table, cfg.Loader.CommitMode, cfg.Database.StatementTimeout, logger)
	if err != nil {
		return nil, nil, errors.Join(err, prov.Close())
	}

	o, err := New(TargetFromConfig(cfg), Dependencies{
		Provisioner: prov,
		Readiness:   ReadinessFromConfig(cfg.Readiness, connector.Ping, logger),
		Fetcher:     fetcher,
		Sessions:    connector.Factory(),
		Schema:      store.NewSchemaManager(cfg.Database.Table, cfg.Database.StatementTimeout, logger),
		Loader:      loader,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, errors.Join(err, prov.Close())
	}
	return o, prov.Close, nil
}

// RunWithConfig builds and runs a pipeline, bounding it by cfg.RunTimeout.
func RunWithConfig(ctx context.Context, cfg config.Config, m *metrics.Collector, logger *zap.Logger) (*Report, error) {
	o, closeFn, err := Build(cfg, m, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil && logger != nil {
			logger.Warn("failed to release docker client", zap.Error(cerr))
		}
	}()

	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}
	return o.Run(ctx)
}
