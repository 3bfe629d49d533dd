package source

import (
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
)

// dialect captures the SQL differences between the supported drivers. compare
// wraps both sides of the event-time comparison; argLayout formats the bound
// watermark, or is empty to bind it as a time.Time. SQL Server gets ISO 8601 with a T, which every DATEFORMAT setting
// reads the same way. sqlite text may carry fractions or a zone suffix, so
// datetime() brings both sides to one canonical form.
type dialect struct {
	driver      string
	placeholder func(n int) string
	quote       func(ident string) string
	compare     func(expr string) string
	argLayout   string
}

var dialects = map[string]dialect{
	"sqlserver": {
		driver:      "sqlserver",
		placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
		quote:       func(id string) string { return "[" + strings.ReplaceAll(id, "]", "]]") + "]" },
		compare:     identity,
		argLayout:   "2006-01-02T15:04:05",
	},
	"postgres": {
		driver:      "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		quote:       doubleQuote,
		compare:     identity,
		argLayout:   "2006-01-02 15:04:05",
	},
	"sqlite3": {
		driver:      "sqlite3",
		placeholder: func(int) string { return "?" },
		quote:       doubleQuote,
		compare:     func(expr string) string { return "datetime(" + expr + ")" },
		argLayout:   "2006-01-02 15:04:05",
	},
}

func identity(expr string) string { return expr }

func doubleQuote(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func lookupDialect(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported database driver: %s", driver)
	}
	return d, nil
}

// baseQuery is the source query, or the whole table named after the source.
func (d dialect) baseQuery(name, query string) string {
	if q := strings.TrimSpace(query); q != "" {
		return strings.TrimRight(q, "; \t\n")
	}
	return "SELECT * FROM " + d.quote(name)
}

// incrementalQuery wraps the source query with the watermark filter and ordering.
// Watermarks have one-second resolution and every row of the watermark's second is
// already published, so the filter starts at the next second.
func (d dialect) incrementalQuery(name, query, column string, since *time.Time) (string, []interface{}) {
	col := d.quote(column)
	var sb strings.Builder
	sb.WriteString("SELECT * FROM (")
	sb.WriteString(d.baseQuery(name, query))
	sb.WriteString(") src")
	var args []interface{}
	if since != nil {
		sb.WriteString(" WHERE ")
		sb.WriteString(d.compare("src." + col))
		sb.WriteString(" >= ")
		sb.WriteString(d.compare(d.placeholder(1)))
		next := since.Add(time.Second)
		if d.argLayout == "" {
			args = append(args, next)
		} else {
			args = append(args, next.Format(d.argLayout))
		}
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(d.compare("src." + col))
	return sb.String(), args
}
