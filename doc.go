// Package wbingest loads World Bank indicator data into PostgreSQL.
//
// A run provisions the database as a Docker container (reusing one with the
// configured name when it exists), waits until it accepts connections,
// creates the destination table and then walks the paginated indicator
// collection, inserting every record of every page.
//
// # Architecture
//
// The run is a small state machine driven by internal/pipeline:
//
//	START -> PROVISIONED -> READY -> SCHEMA_CREATED -> PAGE ... -> DONE
//
// Any failure before the page loop moves the run to ABORTED. A failure
// inside one page is recorded in the run report and the loop continues
// with the next page.
//
// # Quick Start
//
//	wbingest config init wbingest.yaml
//	WBINGEST_DATABASE_PASSWORD=secret wbingest run -c wbingest.yaml
//
// Or from Go:
//
//	cfg := config.Default()
//	cfg.Loader.CommitMode = config.CommitPerPage
//	report, err := pipeline.RunWithConfig(ctx, cfg, metrics.NewCollector(nil), logger.Get())
//
// # Key Packages
//
//	pkg/provision    - Docker container get-or-create and readiness waiting
//	pkg/worldbank    - Page fetcher and envelope decoder for the indicator API
//	pkg/store        - PostgreSQL sessions, table creation and record loading
//	pkg/config       - Run configuration, YAML loading and validation
//	pkg/ingesterrors - Typed errors shared by every stage
//	pkg/retry        - Exponential backoff policy
//	pkg/logger       - Structured logging
//	pkg/metrics      - Prometheus run metrics
//	pkg/observability - OpenTelemetry tracing
//
// # Commit modes
//
// In record mode every insert commits on its own, so a page that fails
// halfway keeps the rows inserted before the failure. In page mode the
// records of a page are validated and then written in one transaction,
// so a page is either fully loaded or not at all.
package wbingest
