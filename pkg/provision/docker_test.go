package provision

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/wbingest/pkg/ingesterrors"
	"github.com/ajitpratap0/wbingest/pkg/testutil"
)

// fakeDocker keeps containers in memory, keyed by name.
type fakeDocker struct {
	mu         sync.Mutex
	containers map[string]types.ContainerJSON
	pulled     []string
	created    []*container.Config
	hostCfgs   []*container.HostConfig
	started    []string

	inspectErr error
	pullErr    error
	createErr  error
	startErr   error
	logs       string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: map[string]types.ContainerJSON{}}
}

func (f *fakeDocker) addContainer(name, id, state string) {
	f.containers[name] = types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    id,
			Name:  "/" + name,
			Image: "sha256:abc",
			State: &types.ContainerState{Status: state, Running: state == "running"},
		},
		Config: &container.Config{Image: "postgres:latest"},
	}
}

func (f *fakeDocker) ContainerInspect(_ context.Context, name string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return types.ContainerJSON{}, f.inspectErr
	}
	c, ok := f.containers[name]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("No such container: " + name))
	}
	return c, nil
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ types.ImagePullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Pull complete"}`)), nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hostCfg *container.HostConfig,
	_ *network.NetworkingConfig, _ *v1.Platform, name string) (container.ContainerCreateCreatedBody, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.ContainerCreateCreatedBody{}, f.createErr
	}
	f.created = append(f.created, cfg)
	f.hostCfgs = append(f.hostCfgs, hostCfg)
	id := "0123456789abcdef" + name
	f.addContainer(name, id, "created")
	return container.ContainerCreateCreatedBody{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ types.ContainerStartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerLogs(_ context.Context, _ string, _ types.ContainerLogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func defaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Env:   map[string]string{"POSTGRES_PASSWORD": "123456", "POSTGRES_DB": "postgres_world_bank"},
		Ports: map[string]string{"5432/tcp": "5435"},
		Volumes: []VolumeBinding{
			{Source: "/var/lib/postgresql/data", Target: "/var/lib/postgresql/data", Mode: "rw"},
		},
		Detach:    true,
		PullImage: true,
	}
}

func TestEnsureCreatesMissingContainer(t *testing.T) {
	api := newFakeDocker()
	p := NewProvisioner(api, WithLogger(zaptest.NewLogger(t)))

	h, err := p.Ensure(context.Background(), "postgres-docker-worldbank", "postgres:latest", defaultServiceConfig())
	require.NoError(t, err)

	assert.True(t, h.Created)
	assert.Equal(t, "postgres-docker-worldbank", h.Name)
	assert.Equal(t, []string{"postgres:latest"}, api.pulled)
	require.Len(t, api.created, 1)
	require.Len(t, api.started, 1)
	assert.Equal(t, h.ID, api.started[0])

	cfg := api.created[0]
	assert.Equal(t, "postgres:latest", cfg.Image)
	assert.Equal(t, []string{"POSTGRES_DB=postgres_world_bank", "POSTGRES_PASSWORD=123456"}, cfg.Env)
	assert.Contains(t, cfg.ExposedPorts, nat.Port("5432/tcp"))

	hostCfg := api.hostCfgs[0]
	assert.Equal(t, []nat.PortBinding{{HostPort: "5435"}}, hostCfg.PortBindings[nat.Port("5432/tcp")])
	assert.Equal(t, []string{"/var/lib/postgresql/data:/var/lib/postgresql/data:rw"}, hostCfg.Binds)
}

func TestEnsureIsIdempotent(t *testing.T) {
	api := newFakeDocker()
	p := NewProvisioner(api, WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	first, err := p.Ensure(ctx, "pg", "postgres:latest", defaultServiceConfig())
	require.NoError(t, err)
	second, err := p.Ensure(ctx, "pg", "postgres:latest", defaultServiceConfig())
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, api.created, 1, "a second container must never be created")
	assert.Len(t, api.pulled, 1)
}

func TestEnsureLeavesStoppedContainerUnchanged(t *testing.T) {
	api := newFakeDocker()
	api.addContainer("pg", "stopped-id", "exited")
	p := NewProvisioner(api, WithLogger(zaptest.NewLogger(t)))

	h, err := p.Ensure(context.Background(), "pg", "postgres:latest", defaultServiceConfig())
	require.NoError(t, err)
	assert.False(t, h.Created)
	assert.Equal(t, "exited", h.State)
	assert.Equal(t, "postgres:latest", h.Image)
	assert.Empty(t, api.started)
	assert.Empty(t, api.pulled)
}

func TestEnsureSkipsPullWhenDisabled(t *testing.T) {
	api := newFakeDocker()
	cfg := defaultServiceConfig()
	cfg.PullImage = false

	_, err := NewProvisioner(api).Ensure(context.Background(), "pg", "postgres:latest", cfg)
	require.NoError(t, err)
	assert.Empty(t, api.pulled)
	assert.Len(t, api.created, 1)
}

func TestEnsureErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeDocker)
		kind   ingesterrors.Kind
	}{
		{"daemon unreachable", func(f *fakeDocker) { f.inspectErr = client.ErrorConnectionFailed("unix:///var/run/docker.sock") }, ingesterrors.KindInfrastructureUnavailable},
		{"inspect fails", func(f *fakeDocker) { f.inspectErr = errors.New("permission denied") }, ingesterrors.KindInfrastructureUnavailable},
		{"pull fails", func(f *fakeDocker) { f.pullErr = errdefs.NotFound(errors.New("manifest unknown")) }, ingesterrors.KindServiceStartFailed},
		{"create fails", func(f *fakeDocker) { f.createErr = errdefs.Conflict(errors.New("name in use")) }, ingesterrors.KindServiceStartFailed},
		{"start fails", func(f *fakeDocker) { f.startErr = errors.New("port is already allocated") }, ingesterrors.KindServiceStartFailed},
		{"lost daemon during create", func(f *fakeDocker) { f.createErr = client.ErrorConnectionFailed("tcp://docker:2375") }, ingesterrors.KindInfrastructureUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeDocker()
			tt.mutate(api)

			_, err := NewProvisioner(api).Ensure(context.Background(), "pg", "postgres:latest", defaultServiceConfig())
			require.Error(t, err)
			assert.Equal(t, tt.kind, ingesterrors.KindOf(err), err.Error())
			assert.True(t, ingesterrors.IsFatal(err))
		})
	}
}

func TestEnsureRejectsBadPort(t *testing.T) {
	cfg := defaultServiceConfig()
	cfg.Ports = map[string]string{"abc/tcp": "5435"}

	_, err := NewProvisioner(newFakeDocker()).Ensure(context.Background(), "pg", "postgres:latest", cfg)
	assert.True(t, ingesterrors.IsKind(err, ingesterrors.KindServiceStartFailed))
}

func TestEnsureFollowsLogsWhenAttached(t *testing.T) {
	api := newFakeDocker()
	// the multiplexed stream has an 8 byte header per frame
	line := "database system is ready to accept connections\n"
	header := []byte{1, 0, 0, 0, 0, 0, 0, byte(len(line))}
	api.logs = string(header) + line

	cfg := defaultServiceConfig()
	cfg.Detach = false

	logger, logs := testutil.ObservedLogger(zapcore.InfoLevel)
	p := NewProvisioner(api, WithLogger(logger))
	_, err := p.Ensure(context.Background(), "pg", "postgres:latest", cfg)
	require.NoError(t, err)

	testutil.AssertEventually(t, func() bool {
		return logs.FilterMessage(strings.TrimSuffix(line, "\n")).Len() == 1
	}, 2*time.Second, "container output should be logged")
	require.NoError(t, p.Close())
}
