// Package provision ensures the database container exists and waits for it
// to accept connections.
//
// Ensure is idempotent by container name: a container that already exists
// is returned as is, never recreated. Readiness is a separate step, see
// ReadinessWaiter.
package provision

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/ajitpratap0/wbingest/pkg/ingesterrors"
)

// DockerAPI is the subset of the Docker Engine client used here.
type DockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.ContainerCreateCreatedBody, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerLogs(ctx context.Context, container string, options types.ContainerLogsOptions) (io.ReadCloser, error)
}

// Provisioner makes a named service available.
type Provisioner interface {
	Ensure(ctx context.Context, name, image string, cfg ServiceConfig) (*ServiceHandle, error)
}

// ServiceConfig describes the container to create when it is absent.
type ServiceConfig struct {
	Env map[string]string
	// Ports maps container port/proto to host port, e.g. "5432/tcp" -> "5435"
	Ports   map[string]string
	Volumes []VolumeBinding
	// Detach skips following the container output
	Detach    bool
	PullImage bool
}

// VolumeBinding binds a host path into the container.
type VolumeBinding struct {
	Source string
	Target string
	Mode   string // rw or ro
}

// ServiceHandle identifies the container backing the service.
type ServiceHandle struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	State   string `json:"state"`
	Created bool   `json:"created"`
}

// DockerProvisioner provisions containers through the Docker Engine API.
type DockerProvisioner struct {
	api        DockerAPI
	apiTimeout time.Duration
	logger     *zap.Logger
	closer     io.Closer

	mu        sync.Mutex
	stops     []context.CancelFunc
	followers sync.WaitGroup
}

// Option configures a DockerProvisioner.
type Option func(*DockerProvisioner)

// WithAPITimeout bounds each call to the daemon.
func WithAPITimeout(d time.Duration) Option {
	return func(p *DockerProvisioner) { p.apiTimeout = d }
}

// WithLogger sets the logger; container output is forwarded to it as well.
func WithLogger(l *zap.Logger) Option {
	return func(p *DockerProvisioner) { p.logger = l }
}

// NewProvisioner wraps an existing Docker API client.
func NewProvisioner(api DockerAPI, opts ...Option) *DockerProvisioner {
	p := &DockerProvisioner{
		api:    api,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "provisioner"))
	return p
}

// NewDockerProvisioner connects to the daemon named by host, or by the
// DOCKER_HOST environment when host is empty.
func NewDockerProvisioner(host string, opts ...Option) (*DockerProvisioner, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, ingesterrors.Wrap(err, ingesterrors.KindInfrastructureUnavailable, "failed to create docker client")
	}
	p := NewProvisioner(cli, opts...)
	p.closer = cli
	return p, nil
}

// Ensure returns the container called name, creating and starting it from
// image when it does not exist yet. An existing container is returned as
// found, whatever its state.
func (p *DockerProvisioner) Ensure(ctx context.Context, name, image string, cfg ServiceConfig) (*ServiceHandle, error) {
	log := p.logger.With(zap.String("container", name), zap.String("image", image))

	existing, err := p.inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.State != "running" {
			log.Warn("container exists but is not running; leaving it unchanged",
				zap.String("state", existing.State))
		} else {
			log.Info("container already exists", zap.String("id", shortID(existing.ID)))
		}
		return existing, nil
	}

	if cfg.PullImage {
		if err := p.pull(ctx, image); err != nil {
			return nil, err
		}
	}

	containerCfg, hostCfg, err := buildContainerConfig(image, cfg)
	if err != nil {
		return nil, ingesterrors.Wrap(err, ingesterrors.KindServiceStartFailed, "invalid container configuration").
			WithDetail("container", name)
	}

	callCtx, cancel := p.callContext(ctx)
	created, err := p.api.ContainerCreate(callCtx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	cancel()
	if err != nil {
		return nil, p.classify(err, ingesterrors.KindServiceStartFailed, "failed to create container").
			WithDetail("container", name)
	}
	for _, w := range created.Warnings {
		log.Warn("docker create warning", zap.String("warning", w))
	}

	callCtx, cancel = p.callContext(ctx)
	err = p.api.ContainerStart(callCtx, created.ID, types.ContainerStartOptions{})
	cancel()
	if err != nil {
		return nil, p.classify(err, ingesterrors.KindServiceStartFailed, "failed to start container").
			WithDetail("container", name).
			WithDetail("id", created.ID)
	}

	log.Info("container created and started",
		zap.String("id", shortID(created.ID)),
		zap.Any("ports", cfg.Ports))

	if !cfg.Detach {
		p.follow(ctx, created.ID, name)
	}

	return &ServiceHandle{
		ID:      created.ID,
		Name:    name,
		Image:   image,
		State:   "running",
		Created: true,
	}, nil
}

// Close stops following container output and releases the client.
func (p *DockerProvisioner) Close() error {
	p.mu.Lock()
	for _, stop := range p.stops {
		stop()
	}
	p.stops = nil
	p.mu.Unlock()

	p.followers.Wait()
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

func (p *DockerProvisioner) inspect(ctx context.Context, name string) (*ServiceHandle, error) {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()

	info, err := p.api.ContainerInspect(callCtx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, ingesterrors.Wrap(err, ingesterrors.KindInfrastructureUnavailable, "container runtime unavailable").
			WithDetail("container", name)
	}

	h := &ServiceHandle{Name: name}
	if info.ContainerJSONBase != nil {
		h.ID = info.ID
		h.Name = strings.TrimPrefix(info.Name, "/")
		h.Image = info.Image
		if info.State != nil {
			h.State = info.State.Status
		}
	}
	if info.Config != nil && info.Config.Image != "" {
		h.Image = info.Config.Image
	}
	return h, nil
}

func (p *DockerProvisioner) pull(ctx context.Context, image string) error {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()

	p.logger.Info("pulling image", zap.String("image", image))
	rc, err := p.api.ImagePull(callCtx, image, types.ImagePullOptions{})
	if err != nil {
		return p.classify(err, ingesterrors.KindServiceStartFailed, "failed to pull image").
			WithDetail("image", image)
	}
	defer rc.Close()

	// the pull completes only once the progress stream is consumed
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return ingesterrors.Wrap(err, ingesterrors.KindServiceStartFailed, "image pull interrupted").
			WithDetail("image", image)
	}
	return nil
}

// follow forwards container output to the logger until ctx ends or the
// container stops.
func (p *DockerProvisioner) follow(ctx context.Context, id, name string) {
	ctx, stop := context.WithCancel(ctx)
	p.mu.Lock()
	p.stops = append(p.stops, stop)
	p.mu.Unlock()

	reader, err := p.api.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		p.logger.Warn("cannot follow container logs", zap.String("container", name), zap.Error(err))
		return
	}

	log := p.logger.With(zap.String("container", name))
	stdout := &zapio.Writer{Log: log.With(zap.String("stream", "stdout")), Level: zapcore.InfoLevel}
	stderr := &zapio.Writer{Log: log.With(zap.String("stream", "stderr")), Level: zapcore.WarnLevel}

	p.followers.Add(1)
	go func() {
		defer p.followers.Done()
		defer reader.Close()
		defer stdout.Close()
		defer stderr.Close()

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				reader.Close()
			case <-done:
			}
		}()

		if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil && ctx.Err() == nil {
			log.Debug("container log stream ended", zap.Error(err))
		}
	}()
}

func (p *DockerProvisioner) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.apiTimeout > 0 {
		return context.WithTimeout(ctx, p.apiTimeout)
	}
	return context.WithCancel(ctx)
}

// classify maps daemon connectivity errors to InfrastructureUnavailable and
// everything else to kind.
func (p *DockerProvisioner) classify(err error, kind ingesterrors.Kind, msg string) *ingesterrors.Error {
	if client.IsErrConnectionFailed(err) {
		kind = ingesterrors.KindInfrastructureUnavailable
	}
	return ingesterrors.Wrap(err, kind, msg)
}

func buildContainerConfig(image string, cfg ServiceConfig) (*container.Config, *container.HostConfig, error) {
	exposed := make(nat.PortSet, len(cfg.Ports))
	bindings := make(nat.PortMap, len(cfg.Ports))
	for containerPort, hostPort := range cfg.Ports {
		port, err := nat.NewPort(nat.SplitProtoPort(containerPort))
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: hostPort})
	}

	// binds rather than mounts so the daemon creates missing host paths
	binds := make([]string, 0, len(cfg.Volumes))
	for _, v := range cfg.Volumes {
		mode := v.Mode
		if mode == "" {
			mode = "rw"
		}
		binds = append(binds, v.Source+":"+v.Target+":"+mode)
	}

	return &container.Config{
			Image:        image,
			Env:          envToSlice(cfg.Env),
			ExposedPorts: exposed,
		}, &container.HostConfig{
			PortBindings: bindings,
			Binds:        binds,
		}, nil
}

func envToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ Provisioner = (*DockerProvisioner)(nil)
