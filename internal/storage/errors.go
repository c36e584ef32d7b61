package storage

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable       = errors.New("storage: clickhouse unavailable")
	ErrQueryFailed       = errors.New("storage: query failed")
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")
	ErrWriterClosed      = errors.New("storage: alert writer closed")
)

// OpError describes a failed ClickHouse operation. It matches both its
// category sentinel and the driver error under errors.Is.
type OpError struct {
	Op      string
	Table   string
	Retries int
	Kind    error
	Err     error
}

func (e *OpError) Error() string {
	target := e.Op
	if e.Table != "" {
		target += " " + e.Table
	}
	if e.Retries > 0 {
		return fmt.Sprintf("%v: %s after %d retries: %v", e.Kind, target, e.Retries, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, target, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
