// Package store writes dataset pages into PostgreSQL.
//
// Every unit of work (schema creation, one page load) runs on its own
// Session, a single pgx connection that is closed when the unit ends.
// Sessions are never shared between pages so a broken connection cannot
// leak from one page into the next.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ajitpratap0/wbingest/pkg/ingesterrors"
)

// Session is one database connection scoped to one unit of work.
type Session interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Tx is the transaction surface used by the page loader.
type Tx interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SessionFactory opens a fresh Session.
type SessionFactory func(ctx context.Context) (Session, error)

// Connector opens sessions against one database.
type Connector struct {
	dsn            string
	connectTimeout time.Duration
	logger         *zap.Logger
}

// NewConnector returns a Connector for the PostgreSQL URL dsn.
func NewConnector(dsn string, connectTimeout time.Duration, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		dsn:            dsn,
		connectTimeout: connectTimeout,
		logger:         logger.With(zap.String("component", "connector")),
	}
}

// Open establishes a new connection.
func (c *Connector) Open(ctx context.Context) (Session, error) {
	cfg, err := pgx.ParseConfig(c.dsn)
	if err != nil {
		return nil, ingesterrors.Wrap(err, ingesterrors.KindConfig, "failed to parse connection string")
	}
	if c.connectTimeout > 0 {
		cfg.ConnectTimeout = c.connectTimeout
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, ingesterrors.Wrap(err, ingesterrors.KindConnectionFailed, "failed to connect").
			WithDetail("host", cfg.Host).
			WithDetail("port", cfg.Port).
			WithDetail("database", cfg.Database)
	}

	c.logger.Debug("session opened",
		zap.String("host", cfg.Host),
		zap.Uint16("port", cfg.Port),
		zap.String("database", cfg.Database))
	return &pgSession{conn: conn}, nil
}

// Ping opens a session, pings the server and closes the session again. It
// serves as the readiness probe.
func (c *Connector) Ping(ctx context.Context) error {
	s, err := c.Open(ctx)
	if err != nil {
		return err
	}
	defer s.Close(context.WithoutCancel(ctx))

	if err := s.Ping(ctx); err != nil {
		return ingesterrors.Wrap(err, ingesterrors.KindConnectionFailed, "ping failed")
	}
	return nil
}

// Factory returns Open as a SessionFactory.
func (c *Connector) Factory() SessionFactory {
	return c.Open
}

type pgSession struct {
	conn *pgx.Conn
}

func (s *pgSession) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.conn.Exec(ctx, sql, args...)
}

func (s *pgSession) BeginTx(ctx context.Context) (Tx, error) {
	return s.conn.Begin(ctx)
}

func (s *pgSession) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *pgSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// closeOnce closes s and logs a failure; the unit of work has already
// produced its result by then.
func closeOnce(ctx context.Context, s Session, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		logger.Warn("failed to close session", zap.Error(err))
	}
}

// withTimeout derives a per-statement context.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
