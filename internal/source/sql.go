package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rowbus/internal/model"
)

// SQLConnector opens database/sql sessions for sqlserver, postgres (lib/pq) or sqlite3.
type SQLConnector struct {
	dialect dialect
	dsn     string
	logger  *zap.Logger
}

func NewSQLConnector(driver, dsn string, logger *zap.Logger) (*SQLConnector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	return &SQLConnector{dialect: d, dsn: dsn, logger: logger}, nil
}

// Connect opens a single-connection pool and verifies it is reachable.
func (c *SQLConnector) Connect(ctx context.Context) (Conn, error) {
	c.logger.Info("connecting to database", zap.String("driver", c.dialect.driver))
	db, err := sql.Open(c.dialect.driver, c.dsn)
	if err != nil {
		return nil, &model.ConnectionError{Target: "database", Err: err}
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &model.ConnectionError{Target: "database", Err: err}
	}
	c.logger.Info("connected to database", zap.String("driver", c.dialect.driver))
	return &sqlConn{db: db, dialect: c.dialect, logger: c.logger}, nil
}

type sqlConn struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

func (c *sqlConn) Fetch(ctx context.Context, src model.Source, since *time.Time) ([]model.RawRow, error) {
	query, args := c.dialect.incrementalQuery(src.Name, src.Query, src.EventTimeColumn, since)
	c.logger.Debug("fetching rows", zap.String("source", src.Name), zap.String("query", query))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("column types: %w", err)
	}
	names := make([]string, len(colTypes))
	types := make([]string, len(colTypes))
	for i, ct := range colTypes {
		names[i] = ct.Name()
		types[i] = typeName(ct.DatabaseTypeName())
	}

	var out []model.RawRow
	for rows.Next() {
		values := make([]interface{}, len(colTypes))
		ptrs := make([]interface{}, len(colTypes))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		cols := make([]model.Column, len(values))
		for i, v := range values {
			cols[i] = model.Column{Name: names[i], DatabaseType: types[i], Value: v}
		}
		out = append(out, model.RawRow{Columns: cols})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func (c *sqlConn) Close(ctx context.Context) error {
	_ = ctx
	return c.db.Close()
}
