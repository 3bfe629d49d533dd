// Package source reads append-only rows from relational databases.
package source

import (
	"context"
	"strings"
	"time"

	"rowbus/internal/model"
)

// Fetcher returns the rows of a source whose event-time lies strictly after since,
// ordered ascending by event-time. A nil since means every row.
type Fetcher interface {
	Fetch(ctx context.Context, src model.Source, since *time.Time) ([]model.RawRow, error)
}

// Conn is one open database session. It must always be closed.
type Conn interface {
	Fetcher
	Close(ctx context.Context) error
}

// Connector opens sessions against a configured database.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// typeName strips precision arguments and upper-cases a driver type name,
// e.g. "decimal(10,2)" becomes "DECIMAL".
func typeName(name string) string {
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = name[:i]
	}
	return strings.ToUpper(strings.TrimSpace(name))
}
