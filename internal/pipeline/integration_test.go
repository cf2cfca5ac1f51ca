package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/wbingest/pkg/config"
	"github.com/ajitpratap0/wbingest/pkg/metrics"
	"github.com/ajitpratap0/wbingest/pkg/testutil"
)

// DockerIntegrationSuite runs the whole pipeline against a real Docker
// daemon and a local stand-in for the World Bank API.
type DockerIntegrationSuite struct {
	testutil.IntegrationTestSuite
	api *httptest.Server
	cfg config.Config
}

func TestDockerIntegration(t *testing.T) {
	suite.Run(t, new(DockerIntegrationSuite))
}

func (s *DockerIntegrationSuite) SetupSuite() {
	s.IntegrationTestSuite.SetupSuite()

	s.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `[{"page":%d,"pages":2,"per_page":"2","total":4},[
 {"indicator":{"id":"NY.GDP.MKTP.CD","value":"GDP (current US$)"},"country":{"id":"ZH","value":"Africa Eastern and Southern"},
  "countryiso3code":"AFE","date":"%d","value":1.5e12,"unit":"","obs_status":"","decimal":0},
 {"indicator":{"id":"NY.GDP.MKTP.CD","value":"GDP (current US$)"},"country":{"id":"ZH","value":"Africa Eastern and Southern"},
  "countryiso3code":"AFE","date":"%d","value":null,"unit":null,"obs_status":null,"decimal":null}]]`,
			page, 2000+page*2, 2001+page*2)
	}))

	cfg := config.Default()
	cfg.Service.Name = fmt.Sprintf("wbingest-it-%d", time.Now().UnixNano())
	cfg.Service.Volumes = nil
	cfg.Database.Port = testutil.FreePort(s.T())
	cfg.Source.BaseURL = s.api.URL + "/v2/country/all/indicator/NY.GDP.MKTP.CD"
	cfg.Readiness.Timeout = 90 * time.Second
	cfg.Logging.Level = "debug"

	// round-trip through a file as the CLI would
	path := filepath.Join(s.TempDir(), "wbingest.yaml")
	s.Require().NoError(config.Save(path, cfg))
	loaded, err := config.Load(path)
	s.Require().NoError(err)
	s.cfg = loaded
}

func (s *DockerIntegrationSuite) TearDownSuite() {
	if s.api != nil {
		s.api.Close()
	}
	if s.cfg.Service.Name == "" {
		s.IntegrationTestSuite.TearDownSuite()
		return
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = cli.ContainerRemove(ctx, s.cfg.Service.Name, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
		_ = cli.Close()
	}
	s.IntegrationTestSuite.TearDownSuite()
}

func (s *DockerIntegrationSuite) TestRunLoadsAllPages() {
	report, err := RunWithConfig(s.Context(), s.cfg, metrics.NewCollector(nil), testutil.TestLogger(s.T()))
	s.Require().NoError(err)
	s.Equal(StateDone, report.State)
	s.True(report.Service.Created)
	s.Equal(4, report.RecordsInserted)

	conn, err := pgx.Connect(s.Context(), s.cfg.Database.DSN())
	s.Require().NoError(err)
	defer conn.Close(context.Background())

	var total, nulls int
	s.Require().NoError(conn.QueryRow(s.Context(),
		`SELECT count(*), count(*) FILTER (WHERE "value" IS NULL) FROM "world_bank"`).Scan(&total, &nulls))
	s.Equal(4, total)
	s.Equal(2, nulls)

	// a second run finds the container and the table already in place
	again, err := RunWithConfig(s.Context(), s.cfg, metrics.NewCollector(nil), testutil.TestLogger(s.T()))
	s.Require().Error(err)
	s.Equal(StateAborted, again.State)
	s.False(again.Service.Created)
}
