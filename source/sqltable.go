package source

import (
	"context"
	"database/sql"

	// Drivers register themselves under the names the connector uses.
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
)

// sqlReader runs the configured watermark query against a relational
// database. The query must return a single non-negative integer that is
// monotonic in committed rows, typically max of a sequence column.
type sqlReader struct {
	db    *sql.DB
	query string

	logger logger.Logger
}

func newSQLReader(cfg *meridian.SQLConnector, log logger.Logger) (*sqlReader, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s database", cfg.Driver)
	}
	return &sqlReader{
		db:     db,
		query:  cfg.WatermarkQuery,
		logger: log,
	}, nil
}

func (r *sqlReader) Watermark(ctx context.Context) (uint64, error) {
	var watermark int64
	if err := r.db.QueryRowContext(ctx, r.query).Scan(&watermark); err != nil {
		return 0, errors.Wrap(err, "running watermark query")
	}
	if watermark < 0 {
		return 0, errors.Errorf("watermark query returned %d, want a non-negative integer", watermark)
	}
	return uint64(watermark), nil
}

func (r *sqlReader) Close() error { return r.db.Close() }
