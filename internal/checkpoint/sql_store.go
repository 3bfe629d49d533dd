package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-gorp/gorp"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"rowbus/internal/model"
)

const watermarkTable = "rowbus_watermarks"

type watermarkRecord struct {
	Source    string `db:"source"`
	Watermark string `db:"watermark"`
}

// SQLStore keeps watermarks in a table of a SQL database (sqlite3 or postgres).
// A save is one transaction, so readers see the old or the new set.
type SQLStore struct {
	dbMap  *gorp.DbMap
	logger *zap.Logger
}

// OpenSQLStore connects to the database and creates the watermark table if needed.
func OpenSQLStore(ctx context.Context, driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var dialect gorp.Dialect
	switch driver {
	case "sqlite3":
		dialect = gorp.SqliteDialect{}
	case "postgres":
		dialect = gorp.PostgresDialect{}
	default:
		return nil, fmt.Errorf("unsupported checkpoint driver: %s", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping checkpoint db: %w", err)
	}
	if driver == "sqlite3" {
		// sqlite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	return newSQLStore(&gorp.DbMap{Db: db, Dialect: dialect}, logger)
}

func newSQLStore(dbMap *gorp.DbMap, logger *zap.Logger) (*SQLStore, error) {
	dbMap.AddTableWithName(watermarkRecord{}, watermarkTable).SetKeys(false, "Source")
	if err := dbMap.CreateTablesIfNotExists(); err != nil {
		return nil, fmt.Errorf("create watermark table: %w", err)
	}
	return &SQLStore{dbMap: dbMap, logger: logger}, nil
}

func (s *SQLStore) Load(ctx context.Context) (model.WatermarkSet, error) {
	var recs []watermarkRecord
	if _, err := s.dbMap.WithContext(ctx).Select(&recs, "SELECT source, watermark FROM "+watermarkTable); err != nil {
		return nil, fmt.Errorf("select watermarks: %w", err)
	}
	raw := make(map[string]string, len(recs))
	for _, r := range recs {
		raw[r.Source] = r.Watermark
	}
	return decodeEntries(raw, s.logger), nil
}

func (s *SQLStore) Save(ctx context.Context, set model.WatermarkSet) error {
	tx, err := s.dbMap.Begin()
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	upsert := s.upsertSQL()
	for source, wm := range set.Encode() {
		if _, err := tx.WithContext(ctx).Exec(upsert, source, wm); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert watermark %s: %w", source, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return nil
}

func (s *SQLStore) upsertSQL() string {
	d := s.dbMap.Dialect
	return "INSERT INTO " + watermarkTable + " (source, watermark) VALUES (" +
		d.BindVar(0) + ", " + d.BindVar(1) +
		") ON CONFLICT (source) DO UPDATE SET watermark = excluded.watermark"
}

func (s *SQLStore) Close() error {
	return s.dbMap.Db.Close()
}
