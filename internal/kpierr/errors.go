// Package kpierr defines the error taxonomy shared by the ingestion pipeline.
package kpierr

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable, low-cardinality identifier for a failure class.
type Code string

const (
	CodeUnparseableDate     Code = "UNPARSEABLE_DATE"
	CodeInvalidMobileFormat Code = "INVALID_MOBILE_FORMAT"
	CodeMissingRequired     Code = "MISSING_REQUIRED_FIELD"
	CodeInvalidAmount       Code = "INVALID_AMOUNT"
	CodeMalformedRecord     Code = "MALFORMED_RECORD"
	CodeDuplicateRecord     Code = "DUPLICATE_RECORD"

	CodeAlreadyCommitted       Code = "ALREADY_COMMITTED"
	CodeValidationFailed       Code = "VALIDATION_FAILED"
	CodeCommitFailed           Code = "COMMIT_FAILED"
	CodeReconciliationMismatch Code = "KPI_RECONCILIATION_MISMATCH"
	CodeFatal                  Code = "FATAL"
)

// ErrAlreadyCommitted is returned by the ledger when a partition already has a
// committed attempt and force was not requested. Callers treat it as a no-op.
var ErrAlreadyCommitted = errors.New("already_committed")

// ParseError describes a single record that failed normalization.
type ParseError struct {
	Code   Code
	Fields []string
	Detail string
}

func (e *ParseError) Error() string {
	msg := string(e.Code)
	if len(e.Fields) > 0 {
		msg += " [" + strings.Join(e.Fields, ",") + "]"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// NewParseError builds a ParseError for the given fields.
func NewParseError(code Code, detail string, fields ...string) *ParseError {
	return &ParseError{Code: code, Fields: fields, Detail: detail}
}

// ValidationError reports hard expectation failures for a partition.
type ValidationError struct {
	PartitionID string
	SourceType  string
	Date        string
	Failed      []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: partition %s (%s %s) failed %s",
		CodeValidationFailed, e.PartitionID, e.SourceType, e.Date, strings.Join(e.Failed, ", "))
}

// CommitError wraps a failed warehouse commit. The attempt stays validated.
type CommitError struct {
	PartitionID string
	Err         error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s: partition %s: %v", CodeCommitFailed, e.PartitionID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Mismatch is one differing field between two KPI snapshots.
type Mismatch struct {
	Path       string `json:"path"`
	Relational any    `json:"relational"`
	Dataframe  any    `json:"dataframe"`
}

// ReconciliationError reports that both engines disagreed on a KPI.
type ReconciliationError struct {
	KPI        string
	Mismatches []Mismatch
	ReportURI  string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%s: %s has %d differing field(s)", CodeReconciliationMismatch, e.KPI, len(e.Mismatches))
}

// FatalError aborts a run: storage unreachable or ledger corruption.
type FatalError struct {
	PartitionID string
	LastState   string
	Err         error
}

func (e *FatalError) Error() string {
	if e.PartitionID == "" {
		return fmt.Sprintf("%s: %v", CodeFatal, e.Err)
	}
	return fmt.Sprintf("%s: partition %s (last state %s): %v", CodeFatal, e.PartitionID, e.LastState, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(partitionID, lastState string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{PartitionID: partitionID, LastState: lastState, Err: err}
}

// CodeOf returns the taxonomy code carried by err, or "" when err is not classified.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrAlreadyCommitted) {
		return CodeAlreadyCommitted
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return parseErr.Code
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return CodeValidationFailed
	}
	var commitErr *CommitError
	if errors.As(err, &commitErr) {
		return CodeCommitFailed
	}
	var reconcileErr *ReconciliationError
	if errors.As(err, &reconcileErr) {
		return CodeReconciliationMismatch
	}
	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return CodeFatal
	}
	return ""
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr)
}
