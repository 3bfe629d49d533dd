package model

// Source identifies one append-only table feed.
type Source struct {
	Name            string
	Query           string // opaque to the engine; empty means the whole table named Name
	EventTimeColumn string
}

// Column is a single raw value as returned by the database driver.
type Column struct {
	Name         string
	DatabaseType string // driver-reported type name, upper case (e.g. "DECIMAL")
	Value        interface{}
}

// RawRow is one fetched row before normalization.
type RawRow struct {
	Columns []Column
}
