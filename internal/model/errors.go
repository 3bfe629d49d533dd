package model

import "fmt"

// ConnectionError reports that a data source or the bus could not be reached.
type ConnectionError struct {
	Target string // "database" or "bus"
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError reports a failed query against an established connection.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PublishError reports a message the bus rejected or did not acknowledge.
type PublishError struct {
	Source  string
	Channel string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %s: %v", e.Source, e.Channel, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// CheckpointIOError reports a failed read or write of persisted watermarks.
type CheckpointIOError struct {
	Op  string // "load" or "save"
	Err error
}

func (e *CheckpointIOError) Error() string {
	return fmt.Sprintf("checkpoint %s: %v", e.Op, e.Err)
}

func (e *CheckpointIOError) Unwrap() error { return e.Err }

// NormalizationError reports a row value that cannot be represented on the bus.
type NormalizationError struct {
	Source string
	Column string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("normalize %s row: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("normalize %s column %q: %v", e.Source, e.Column, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }
