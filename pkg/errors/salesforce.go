package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Class is the closed set of outcomes the retry machinery dispatches on.
type Class int

const (
	// ClassFatal aborts the run (or the stream, for bulk batch failures).
	ClassFatal Class = iota
	// ClassTransient is retried with exponential backoff.
	ClassTransient
	// ClassQueryTimeout is routed to the date windower instead of backoff.
	ClassQueryTimeout
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassQueryTimeout:
		return "query_timeout"
	default:
		return "fatal"
	}
}

// Salesforce error codes and batch messages that mean the query itself timed out.
const (
	CodeQueryTimeout     = "QUERY_TIMEOUT"
	CodeInvalidSession   = "INVALID_SESSION_ID"
	bulkRetryLimitReason = "Retried more than 15 times"
)

// APIError is a non-2xx response from the Salesforce REST or Bulk API.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
	Body       string
	Stream     string
}

func (e *APIError) Error() string {
	var b strings.Builder
	if e.Stream != "" {
		fmt.Fprintf(&b, "stream %s: ", e.Stream)
	}
	fmt.Fprintf(&b, "salesforce api returned %d", e.StatusCode)
	if e.ErrorCode != "" {
		fmt.Fprintf(&b, " %s", e.ErrorCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Body != "" && e.Message == "" {
		fmt.Fprintf(&b, ", body: %s", e.Body)
	}
	return b.String()
}

// AuthenticationError means the credentials were rejected. Never retried.
type AuthenticationError struct {
	Reason string
	Body   string
}

func (e *AuthenticationError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("authentication failed: %s (response: %s)", e.Reason, e.Body)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// TransientAuthError is a login attempt that failed for network reasons.
type TransientAuthError struct {
	Cause error
}

func (e *TransientAuthError) Error() string {
	return fmt.Sprintf("login failed, retryable: %v", e.Cause)
}

func (e *TransientAuthError) Unwrap() error { return e.Cause }

// QuotaExceededError terminates the run once a usage ceiling is crossed.
type QuotaExceededError struct {
	Scope     string
	Percent   float64
	Ceiling   float64
	Used      int64
	Allotted  int64
	Attempted int64
}

func (e *QuotaExceededError) Error() string {
	if e.Scope == "per_run" {
		return fmt.Sprintf("terminating replication due to allotted quota of %.0f%% per replication: %d of %d requests attempted this run (%.2f%%)",
			e.Ceiling, e.Attempted, e.Allotted, e.Percent)
	}
	return fmt.Sprintf("terminating replication to not continue past configured percentage of %.0f%% total quota: %d of %d used (%.2f%%)",
		e.Ceiling, e.Used, e.Allotted, e.Percent)
}

// QueryTooLongError is raised when a query cannot be field-chunked into legal lengths.
type QueryTooLongError struct {
	Stream string
	Length int
	Limit  int
	Reason string
}

func (e *QueryTooLongError) Error() string {
	return fmt.Sprintf("stream %s: query length %d exceeds limit %d: %s", e.Stream, e.Length, e.Limit, e.Reason)
}

// PrimaryKeyMismatchError means field-chunked result streams disagree on row order or count.
type PrimaryKeyMismatchError struct {
	Stream   string
	Position int
	Expected string
	Got      string
}

func (e *PrimaryKeyMismatchError) Error() string {
	return fmt.Sprintf("stream %s: primary key mismatch at position %d: expected %q, got %q",
		e.Stream, e.Position, e.Expected, e.Got)
}

// RanOutOfRetriesError is raised when the windower exhausts its split budget.
type RanOutOfRetriesError struct {
	Stream string
	Start  time.Time
	End    time.Time
}

func (e *RanOutOfRetriesError) Error() string {
	return fmt.Sprintf("stream %s: ran out of retries attempting to query window %s to %s",
		e.Stream, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// ZeroDayWindowError is raised when a split would produce a window shorter than a day.
type ZeroDayWindowError struct {
	Stream string
	Start  time.Time
	End    time.Time
}

func (e *ZeroDayWindowError) Error() string {
	return fmt.Sprintf("stream %s: attempting to split window %s to %s would produce a window of zero days",
		e.Stream, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// BulkBatchFailedError is a Bulk API batch that finished in the Failed state.
type BulkBatchFailedError struct {
	Stream  string
	JobID   string
	BatchID string
	Reason  string
}

func (e *BulkBatchFailedError) Error() string {
	return fmt.Sprintf("stream %s: bulk job %s batch %s failed: %s", e.Stream, e.JobID, e.BatchID, e.Reason)
}

// QueryTimedOut reports whether the platform killed the batch for running too long.
func (e *BulkBatchFailedError) QueryTimedOut() bool {
	return strings.Contains(e.Reason, CodeQueryTimeout) || strings.Contains(e.Reason, bulkRetryLimitReason)
}

// Classify maps an error to the retry decision the caller should make.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}

	var batchErr *BulkBatchFailedError
	if errors.As(err, &batchErr) {
		if batchErr.QueryTimedOut() {
			return ClassQueryTimeout
		}
		return ClassFatal
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode == CodeQueryTimeout {
			return ClassQueryTimeout
		}
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return ClassTransient
		}
		return ClassFatal
	}

	var transientAuth *TransientAuthError
	if errors.As(err, &transientAuth) {
		return ClassTransient
	}

	var authErr *AuthenticationError
	var quotaErr *QuotaExceededError
	if errors.As(err, &authErr) || errors.As(err, &quotaErr) {
		return ClassFatal
	}

	var e *Error
	if errors.As(err, &e) {
		switch e.Type {
		case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection:
			return ClassTransient
		}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassFatal
}

// IsAuthenticationError reports whether err is an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

// IsQuotaExceededError reports whether err is a QuotaExceededError.
func IsQuotaExceededError(err error) bool {
	var target *QuotaExceededError
	return errors.As(err, &target)
}

// IsBulkBatchFailedError reports whether err is a BulkBatchFailedError.
func IsBulkBatchFailedError(err error) bool {
	var target *BulkBatchFailedError
	return errors.As(err, &target)
}

// IsStreamLocal reports whether the error should skip the stream rather than abort the run.
func IsStreamLocal(err error) bool {
	return IsBulkBatchFailedError(err) && Classify(err) == ClassFatal
}
