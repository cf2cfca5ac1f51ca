package testutil

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// IntegrationEnv enables tests that need a running Docker daemon.
const IntegrationEnv = "WBINGEST_INTEGRATION"

// RequireIntegration skips the test unless IntegrationEnv is set to 1 and
// the run is not -short.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("Skipping integration test, set %s=1 to run it", IntegrationEnv)
	}
}

// FreePort returns a TCP port on localhost that was free at the time of
// the call.
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// IntegrationTestSuite provides base functionality for integration tests
type IntegrationTestSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	tempDir   string
	startTime time.Time
}

// SetupSuite skips the suite when integration tests are disabled and
// prepares a bounded context and a scratch directory.
func (s *IntegrationTestSuite) SetupSuite() {
	RequireIntegration(s.T())

	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	s.startTime = time.Now()

	tempDir, err := os.MkdirTemp("", "wbingest-it-*")
	require.NoError(s.T(), err)
	s.tempDir = tempDir

	s.T().Logf("Integration test suite started in %s", s.tempDir)
}

// TearDownSuite runs after all tests in the suite
func (s *IntegrationTestSuite) TearDownSuite() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.tempDir != "" {
		os.RemoveAll(s.tempDir)
	}
	s.T().Logf("Integration test suite completed in %v", time.Since(s.startTime))
}

// Context returns the suite context
func (s *IntegrationTestSuite) Context() context.Context {
	return s.ctx
}

// TempDir returns the scratch directory
func (s *IntegrationTestSuite) TempDir() string {
	return s.tempDir
}
