package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"rowbus/internal/model"
)

// pgxDialect binds the watermark natively; pgx encodes a timestamp from its wall clock.
var pgxDialect = dialect{
	driver:      "pgx",
	placeholder: dialects["postgres"].placeholder,
	quote:       doubleQuote,
	compare:     identity,
}

// PGXConnector reads Postgres sources over the native pgx protocol. Numeric columns
// arrive as pgtype.Numeric.
type PGXConnector struct {
	databaseURL string
	logger      *zap.Logger
}

func NewPGXConnector(databaseURL string, logger *zap.Logger) *PGXConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGXConnector{databaseURL: databaseURL, logger: logger}
}

func (c *PGXConnector) Connect(ctx context.Context) (Conn, error) {
	if c.databaseURL == "" {
		return nil, &model.ConnectionError{Target: "database", Err: errors.New("missing database url")}
	}
	cfg, err := pgx.ParseConfig(c.databaseURL)
	if err != nil {
		return nil, &model.ConnectionError{Target: "database", Err: fmt.Errorf("parse db url: %w", err)}
	}
	c.logger.Info("connecting to database", zap.String("driver", "pgx"), zap.String("host", cfg.Host))
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		if isAuthError(err) {
			c.logger.Error("database rejected credentials", zap.Error(err))
		}
		return nil, &model.ConnectionError{Target: "database", Err: err}
	}
	c.logger.Info("connected to database", zap.String("driver", "pgx"), zap.String("host", cfg.Host))
	return &pgxConn{conn: conn, logger: c.logger}, nil
}

type pgxConn struct {
	conn   *pgx.Conn
	logger *zap.Logger
}

func (c *pgxConn) Fetch(ctx context.Context, src model.Source, since *time.Time) ([]model.RawRow, error) {
	query, args := pgxDialect.incrementalQuery(src.Name, src.Query, src.EventTimeColumn, since)
	c.logger.Debug("fetching rows", zap.String("source", src.Name), zap.String("query", query))

	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	types := make([]string, len(fields))
	for i, fd := range fields {
		if t, ok := c.conn.TypeMap().TypeForOID(fd.DataTypeOID); ok {
			types[i] = typeName(t.Name)
		}
	}

	var out []model.RawRow
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		cols := make([]model.Column, len(values))
		for i, v := range values {
			cols[i] = model.Column{Name: fields[i].Name, DatabaseType: types[i], Value: v}
		}
		out = append(out, model.RawRow{Columns: cols})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// isAuthError reports whether Postgres refused the login or the role lacks access.
func isAuthError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "28") || pgErr.Code == "42501"
}
