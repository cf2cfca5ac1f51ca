// Package pipeline runs one ingestion: it provisions the database
// container, waits for it, creates the destination table and loads every
// page of the dataset in order.
//
// # States
//
// A run moves through
//
//	START -> PROVISIONED -> READY -> SCHEMA_CREATED -> PAGE ... -> DONE
//
// and ends in ABORTED on a fatal error or cancellation. Provisioning,
// readiness and the schema step are fatal when they fail. Page failures
// are recorded in the Report and the run moves on to the next page.
//
// # Pages
//
// Page 1 is fetched first to learn the page range. The range runs from the
// page number reported by the API to the total page count, inclusive, and
// pages are processed strictly in increasing order on a fresh database
// session each.
//
// # Basic Usage
//
//	o, err := pipeline.New(pipeline.Target{
//	    ServiceName: "postgres-docker-worldbank",
//	    Image:       "postgres:latest",
//	    Service:     serviceCfg,
//	}, deps)
//	report, err := o.Run(ctx)
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/wbingest/pkg/ingesterrors"
	"github.com/ajitpratap0/wbingest/pkg/metrics"
	"github.com/ajitpratap0/wbingest/pkg/observability"
	"github.com/ajitpratap0/wbingest/pkg/provision"
	"github.com/ajitpratap0/wbingest/pkg/store"
	"github.com/ajitpratap0/wbingest/pkg/worldbank"
)

// SchemaCreator creates the destination table and closes the session.
type SchemaCreator interface {
	EnsureTable(ctx context.Context, s store.Session) error
}

// PageLoader writes one page and closes the session.
type PageLoader interface {
	Load(ctx context.Context, s store.Session, page *worldbank.DatasetPage) (store.LoadResult, error)
}

// Target names the service to provision.
type Target struct {
	ServiceName string
	Image       string
	Service     provision.ServiceConfig
}

// Dependencies are the collaborators of a run. Metrics and Logger are
// optional.
type Dependencies struct {
	Provisioner provision.Provisioner
	Readiness   provision.ReadinessWaiter
	Fetcher     worldbank.Fetcher
	Sessions    store.SessionFactory
	Schema      SchemaCreator
	Loader      PageLoader
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Orchestrator sequences one ingestion run.
type Orchestrator struct {
	target Target
	deps   Dependencies
	logger *zap.Logger

	mu    sync.Mutex
	state State
}

// New validates deps and returns an Orchestrator in StateStart.
func New(target Target, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Provisioner == nil:
		return nil, ingesterrors.New(ingesterrors.KindConfig, "provisioner is required")
	case deps.Readiness == nil:
		return nil, ingesterrors.New(ingesterrors.KindConfig, "readiness waiter is required")
	case deps.Fetcher == nil:
		return nil, ingesterrors.New(ingesterrors.KindConfig, "fetcher is required")
	case deps.Sessions == nil:
		return nil, ingesterrors.New(ingesterrors.KindConfig, "session factory is required")
	case deps.Schema == nil:
		return nil, ingesterrors.New(ingesterrors.KindConfig, "schema creator is required")
	case deps.Loader == nil:
		return nil, ingesterrors.New(ingesterrors.KindConfig, "loader is required")
	}
	if target.ServiceName == "" || target.Image == "" {
		return nil, ingesterrors.New(ingesterrors.KindConfig, "service name and image are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Orchestrator{
		target: target,
		deps:   deps,
		logger: deps.Logger.With(zap.String("component", "orchestrator")),
		state:  StateStart,
	}, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(r *Report, log *zap.Logger, next State) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.mu.Unlock()

	r.State = next
	if next != StatePage {
		log.Info("state transition", zap.String("from", string(prev)), zap.String("to", string(next)))
	}
}

// Run executes the pipeline. The returned report is never nil; the error
// is the fatal error or the context error that ended the run.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		State:     StateStart,
		StartedAt: time.Now(),
	}
	log := o.logger.With(zap.String("run_id", report.RunID))

	ctx, span := observability.StartSpan(ctx, "wbingest.run",
		attribute.String("run.id", report.RunID),
		attribute.String("service.container", o.target.ServiceName))

	err := o.run(ctx, report, log)
	report.Duration = time.Since(report.StartedAt)

	span.SetAttributes(
		attribute.Int("pages.processed", len(report.Pages)),
		attribute.Int("pages.failed", len(report.FailedPages)),
		attribute.Int("records.inserted", report.RecordsInserted))
	observability.EndSpan(span, err)

	if err != nil {
		report.Error = err.Error()
		o.transition(report, log, StateAborted)
		log.Error("run aborted",
			zap.String("kind", string(ingesterrors.KindOf(err))),
			zap.Int("pages_processed", len(report.Pages)),
			zap.Error(err))
		return report, err
	}

	o.transition(report, log, StateDone)
	o.deps.Metrics.RunCompleted(time.Now())
	log.Info("run completed",
		zap.Int("pages", len(report.Pages)),
		zap.Ints("failed_pages", report.FailedPages),
		zap.Int("records_fetched", report.RecordsFetched),
		zap.Int("records_inserted", report.RecordsInserted),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, report *Report, log *zap.Logger) error {
	// START -> PROVISIONED
	start := time.Now()
	handle, err := o.deps.Provisioner.Ensure(ctx, o.target.ServiceName, o.target.Image, o.target.Service)
	o.deps.Metrics.ObserveStage(metrics.StageProvision, time.Since(start))
	if err != nil {
		return err
	}
	report.Service = handle
	log.Info("service provisioned",
		zap.String("container", handle.Name),
		zap.String("id", handle.ID),
		zap.String("state", handle.State),
		zap.Bool("created", handle.Created))
	o.transition(report, log, StateProvisioned)

	// PROVISIONED -> READY
	start = time.Now()
	err = o.deps.Readiness.Wait(ctx)
	o.deps.Metrics.ObserveStage(metrics.StageReadiness, time.Since(start))
	if err != nil {
		return err
	}
	o.transition(report, log, StateReady)

	// READY -> SCHEMA_CREATED
	first, err := o.prepare(ctx)
	if err != nil {
		return err
	}
	report.FirstPage, report.LastPage = first.PageNumber, first.TotalPages
	expected := first.TotalPages - first.PageNumber + 1
	if expected < 0 {
		expected = 0
	}
	o.deps.Metrics.PagesExpected(expected)
	log.Info("page range determined",
		zap.Int("first_page", first.PageNumber),
		zap.Int("last_page", first.TotalPages),
		zap.Int("total_records", first.Total))
	o.transition(report, log, StateSchemaCreated)

	for page := first.PageNumber; page <= first.TotalPages; page++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled before page %d: %w", page, err)
		}
		o.transition(report, log, StatePage)
		outcome := o.processPage(ctx, page, log)
		report.addPage(outcome)
		o.deps.Metrics.PageDone(outcome.Status)
		o.deps.Metrics.RecordsInserted(outcome.Inserted)
		o.deps.Metrics.RecordsFailed(len(outcome.Failed))
	}
	return nil
}

// prepare opens a session, fetches page 1 for its metadata and creates the
// table on that session. Every failure here is fatal.
func (o *Orchestrator) prepare(ctx context.Context) (*worldbank.DatasetPage, error) {
	ctx, span := observability.StartSpan(ctx, "wbingest.schema")
	defer span.End()

	start := time.Now()
	defer func() { o.deps.Metrics.ObserveStage(metrics.StageSchema, time.Since(start)) }()

	session, err := o.deps.Sessions(ctx)
	if err != nil {
		return nil, fatal(err, "failed to open session for schema creation")
	}

	first, err := o.deps.Fetcher.Fetch(ctx, 1)
	if err != nil {
		closeSession(ctx, session, o.logger)
		return nil, fatal(err, "failed to fetch the first page")
	}

	// EnsureTable closes the session
	if err := o.deps.Schema.EnsureTable(ctx, session); err != nil {
		return nil, err
	}
	return first, nil
}

func (o *Orchestrator) processPage(ctx context.Context, page int, log *zap.Logger) PageOutcome {
	ctx, span := observability.StartSpan(ctx, "wbingest.page", attribute.Int("page", page))
	log = log.With(zap.Int("page", page))
	start := time.Now()
	outcome := PageOutcome{Page: page}

	finish := func(status string, err error) PageOutcome {
		outcome.Status = status
		outcome.Duration = time.Since(start)
		if err != nil {
			outcome.Error = err.Error()
		}
		observability.EndSpan(span, err)
		return outcome
	}

	session, err := o.deps.Sessions(ctx)
	if err != nil {
		log.Error("failed to open session", zap.Error(err))
		return finish(PageLoadFailed, err)
	}

	fetchStart := time.Now()
	data, err := o.deps.Fetcher.Fetch(ctx, page)
	o.deps.Metrics.ObserveStage(metrics.StageFetch, time.Since(fetchStart))
	if err != nil {
		closeSession(ctx, session, o.logger)
		log.Error("failed to fetch page",
			zap.String("kind", string(ingesterrors.KindOf(err))),
			zap.Bool("timeout", ingesterrors.IsTimeout(err)),
			zap.Error(err))
		return finish(PageFetchFailed, err)
	}
	outcome.Records = len(data.Records)

	loadStart := time.Now()
	res, err := o.deps.Loader.Load(ctx, session, data)
	o.deps.Metrics.ObserveStage(metrics.StageLoad, time.Since(loadStart))
	outcome.Inserted = res.Inserted
	outcome.Failed = res.Failed
	if err != nil {
		fields := []zap.Field{
			zap.String("kind", string(ingesterrors.KindOf(err))),
			zap.Int("inserted", res.Inserted),
			zap.Int("records", outcome.Records),
			zap.Error(err),
		}
		if len(res.Failed) > 0 {
			fields = append(fields, zap.Stringer("key", res.Failed[0]))
		}
		log.Error("failed to load page", fields...)
		return finish(PageLoadFailed, err)
	}

	log.Info("page loaded",
		zap.Int("records", outcome.Records),
		zap.Int("inserted", res.Inserted),
		zap.Duration("duration", time.Since(start)))
	return finish(PageLoaded, nil)
}

// fatal keeps fatal kinds as they are and marks anything else as a schema
// step failure, since no page range exists without it.
func fatal(err error, msg string) error {
	if ingesterrors.IsFatal(err) && ingesterrors.KindOf(err) != "" {
		return err
	}
	return ingesterrors.Wrap(err, ingesterrors.KindSchemaFailed, msg)
}

func closeSession(ctx context.Context, s store.Session, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		logger.Warn("failed to close session", zap.Error(err))
	}
}
