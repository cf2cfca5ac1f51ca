package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ajitpratap0/wbingest/pkg/ingesterrors"
)

// DefaultTable is the destination table of the GDP dataset.
const DefaultTable = "world_bank"

// sqlstateDuplicateTable is raised by CREATE TABLE on an existing table.
const sqlstateDuplicateTable = "42P07"

// Column describes one destination column.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// Columns lists the destination columns in insert order.
var Columns = []Column{
	{Name: "indicator_id", Type: "VARCHAR"},
	{Name: "indicator", Type: "VARCHAR"},
	{Name: "country_id", Type: "VARCHAR"},
	{Name: "country", Type: "VARCHAR"},
	{Name: "country_code", Type: "VARCHAR"},
	{Name: "date", Type: "VARCHAR"},
	{Name: "value", Type: "FLOAT", Nullable: true},
	{Name: "unit", Type: "VARCHAR", Nullable: true},
	{Name: "obs_status", Type: "VARCHAR", Nullable: true},
	{Name: "decimal", Type: "INTEGER", Nullable: true},
}

// SchemaManager creates the destination table.
type SchemaManager struct {
	table            string
	statementTimeout time.Duration
	logger           *zap.Logger
}

// NewSchemaManager returns a SchemaManager for table.
func NewSchemaManager(table string, statementTimeout time.Duration, logger *zap.Logger) *SchemaManager {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchemaManager{
		table:            table,
		statementTimeout: statementTimeout,
		logger:           logger.With(zap.String("component", "schema"), zap.String("table", table)),
	}
}

// CreateTableSQL returns the DDL of the destination table. There is no
// IF NOT EXISTS: an existing table is reported as a conflict.
func CreateTableSQL(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", pgx.Identifier{table}.Sanitize())
	for i, c := range Columns {
		fmt.Fprintf(&b, "    %s %s", pgx.Identifier{c.Name}.Sanitize(), c.Type)
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
		if i < len(Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}

// EnsureTable creates the table on s and closes s, whatever the outcome.
func (m *SchemaManager) EnsureTable(ctx context.Context, s Session) error {
	defer closeOnce(ctx, s, m.logger)

	execCtx, cancel := withTimeout(ctx, m.statementTimeout)
	defer cancel()

	if _, err := s.Exec(execCtx, CreateTableSQL(m.table)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlstateDuplicateTable {
			return ingesterrors.Wrap(err, ingesterrors.KindSchemaConflict, "destination table already exists").
				WithDetail("table", m.table)
		}
		return ingesterrors.Wrap(err, ingesterrors.KindSchemaFailed, "failed to create destination table").
			WithDetail("table", m.table)
	}

	m.logger.Info("destination table created")
	return nil
}
