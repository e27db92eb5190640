package writer

import (
	"errors"
	"fmt"
	"strings"
)

// Outcomes a Client reports from Write. Anything not matching one of these
// (or *RejectedRecordsError) is treated as an unknown, retryable failure.
var (
	ErrThrottled        = errors.New("write throttled")
	ErrInternalServer   = errors.New("internal server error")
	ErrResourceNotFound = errors.New("resource not found")
	ErrValidation       = errors.New("validation failed")
)

// ErrConflict is returned by a TableCreator when the table already exists.
var ErrConflict = errors.New("resource already exists")

// ErrShuttingDown is returned by Submit once Shutdown has been called.
var ErrShuttingDown = errors.New("writer is shutting down")

// Reasons the store reports for records that carry a stale version.
const (
	StaleVersionReason       = "A higher version is required to update the measure value"
	StaleRecordVersionReason = "A higher record version must be specified in order to update the measure value"
)

type RejectedRecord struct {
	Index  int
	Reason string
}

// RejectedRecordsError reports a partially successful write: every record not
// listed was persisted.
type RejectedRecordsError struct {
	Records []RejectedRecord
}

func (e *RejectedRecordsError) Error() string {
	return fmt.Sprintf("%d records rejected", len(e.Records))
}

func isStaleVersion(reason string) bool {
	return strings.Contains(reason, StaleVersionReason) || strings.Contains(reason, StaleRecordVersionReason)
}
