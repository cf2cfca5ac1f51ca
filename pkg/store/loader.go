package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/ajitpratap0/wbingest/pkg/ingesterrors"
	"github.com/ajitpratap0/wbingest/pkg/worldbank"
)

// Commit modes
const (
	CommitPerRecord = "record"
	CommitPerPage   = "page"
)

// LoadResult summarizes one page load.
type LoadResult struct {
	// Inserted is the number of committed rows
	Inserted int
	// Attempted is the number of records sent to the database
	Attempted int
	// Failed holds the keys of records rejected before or during insertion
	Failed []worldbank.RecordKey
}

// Loader inserts the records of a page.
type Loader struct {
	mode             string
	insertSQL        string
	statementTimeout time.Duration
	logger           *zap.Logger
}

// NewLoader returns a Loader writing into table with the given commit mode.
// An empty mode means CommitPerRecord.
func NewLoader(table, mode string, statementTimeout time.Duration, logger *zap.Logger) (*Loader, error) {
	if table == "" {
		table = DefaultTable
	}
	switch mode {
	case "":
		mode = CommitPerRecord
	case CommitPerRecord, CommitPerPage:
	default:
		return nil, ingesterrors.Newf(ingesterrors.KindConfig, "unknown commit mode %q", mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		mode:             mode,
		insertSQL:        InsertSQL(table),
		statementTimeout: statementTimeout,
		logger:           logger.With(zap.String("component", "loader"), zap.String("commit_mode", mode)),
	}, nil
}

// InsertSQL returns the parameterized single-row insert into table.
func InsertSQL(table string) string {
	names := make([]string, len(Columns))
	params := make([]string, len(Columns))
	for i, c := range Columns {
		names[i] = pgx.Identifier{c.Name}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(), strings.Join(names, ", "), strings.Join(params, ", "))
}

// Row returns the insert arguments of r in column order. Nil pointers
// become SQL NULL.
func Row(r worldbank.Record) []any {
	return []any{
		r.IndicatorID,
		r.Indicator,
		r.CountryID,
		r.Country,
		r.CountryCode,
		r.Date,
		r.Value,
		r.Unit,
		r.ObsStatus,
		r.DecimalPlaces,
	}
}

// Load inserts the records of page on s and closes s exactly once.
func (l *Loader) Load(ctx context.Context, s Session, page *worldbank.DatasetPage) (LoadResult, error) {
	defer closeOnce(ctx, s, l.logger)

	if page == nil || len(page.Records) == 0 {
		return LoadResult{}, nil
	}
	if l.mode == CommitPerPage {
		return l.loadPage(ctx, s, page)
	}
	return l.loadRecords(ctx, s, page)
}

// loadRecords validates and commits each record on its own. The first
// failure stops the page; rows committed before it stay.
func (l *Loader) loadRecords(ctx context.Context, s Session, page *worldbank.DatasetPage) (LoadResult, error) {
	var res LoadResult
	for i, rec := range page.Records {
		if err := rec.Validate(); err != nil {
			res.Failed = append(res.Failed, rec.Key())
			return res, invalidError(err, page.PageNumber, i, rec.Key(), "record failed validation")
		}
		res.Attempted++

		execCtx, cancel := withTimeout(ctx, l.statementTimeout)
		_, err := s.Exec(execCtx, l.insertSQL, Row(rec)...)
		cancel()
		if err != nil {
			res.Failed = append(res.Failed, rec.Key())
			return res, insertError(err, page.PageNumber, i, rec.Key())
		}
		res.Inserted++
	}
	return res, nil
}

// loadPage validates every record, then sends them as one batch inside one
// transaction. Nothing is written if any record fails.
func (l *Loader) loadPage(ctx context.Context, s Session, page *worldbank.DatasetPage) (LoadResult, error) {
	var res LoadResult
	firstBad := -1
	var firstErr error
	for i, rec := range page.Records {
		if err := rec.Validate(); err != nil {
			res.Failed = append(res.Failed, rec.Key())
			if firstBad < 0 {
				firstBad, firstErr = i, err
			}
		}
	}
	if firstBad >= 0 {
		return res, invalidError(firstErr, page.PageNumber, firstBad, page.Records[firstBad].Key(),
			fmt.Sprintf("%d record(s) failed validation, page not written", len(res.Failed)))
	}

	batch := &pgx.Batch{}
	for _, rec := range page.Records {
		batch.Queue(l.insertSQL, Row(rec)...)
	}

	txCtx, cancel := withTimeout(ctx, l.statementTimeout)
	defer cancel()

	tx, err := s.BeginTx(txCtx)
	if err != nil {
		return res, ingesterrors.Wrap(err, ingesterrors.KindInsertFailed, "failed to begin transaction").
			WithDetail("page", page.PageNumber)
	}

	res.Attempted = len(page.Records)
	if i, err := execBatch(tx.SendBatch(txCtx, batch), len(page.Records)); err != nil {
		l.rollback(ctx, tx)
		rec := page.Records[i]
		res.Failed = append(res.Failed, rec.Key())
		return res, insertError(err, page.PageNumber, i, rec.Key())
	}

	if err := tx.Commit(txCtx); err != nil {
		l.rollback(ctx, tx)
		return res, ingesterrors.Wrap(err, ingesterrors.KindInsertFailed, "failed to commit page").
			WithDetail("page", page.PageNumber)
	}

	res.Inserted = len(page.Records)
	return res, nil
}

// execBatch reads n results and returns the index of the first failure.
func execBatch(br pgx.BatchResults, n int) (int, error) {
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return i, err
		}
	}
	if err := br.Close(); err != nil {
		return n - 1, err
	}
	return 0, nil
}

func (l *Loader) rollback(ctx context.Context, tx Tx) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := tx.Rollback(ctx); err != nil {
		l.logger.Warn("rollback failed", zap.Error(err))
	}
}

func insertError(err error, page, index int, key worldbank.RecordKey) error {
	return ingesterrors.Wrap(err, ingesterrors.KindInsertFailed,
		fmt.Sprintf("insert of record %d (%s) failed", index, key)).
		WithDetail("page", page).
		WithDetail("record_index", index).
		WithDetail("key", key)
}

func invalidError(err error, page, index int, key worldbank.RecordKey, msg string) error {
	return ingesterrors.Wrap(err, ingesterrors.KindInvalidRecord, msg).
		WithDetail("page", page).
		WithDetail("record_index", index).
		WithDetail("key", key)
}
