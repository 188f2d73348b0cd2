package sharedsnapshot

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCollision is returned when a previous incarnation of the session still holds a slot
	ErrCollision = errors.New("shared snapshot collision on session id")
	// ErrTooManyClients is returned when no slot is free
	ErrTooManyClients = errors.New("too many clients")
	// ErrInvalidSessionID is returned for the session id which marks a free slot
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrSlotNotFound is returned when no slot has the session id
	ErrSlotNotFound = errors.New("shared snapshot slot not found")
	// ErrSnapshotNotFound is returned when no cursor dump has the sync token
	ErrSnapshotNotFound = errors.New("shared snapshot not found")
	// ErrCorrupted is returned when the registry or a dump is corrupted
	ErrCorrupted = errors.New("shared snapshot corrupted")
	// ErrWrongRole is returned when the process role doesn't allow the operation
	ErrWrongRole = errors.New("operation not allowed for this process role")
	// ErrLockNotHeld is returned when the slot lock is not held as required
	ErrLockNotHeld = errors.New("slot lock not held")
	// ErrNoDescriptor is returned when the process has no shared snapshot
	ErrNoDescriptor = errors.New("no shared snapshot for this process")
	// ErrTooManyInProgress is returned when the snapshot doesn't fit in the descriptor
	ErrTooManyInProgress = errors.New("too many in progress transaction ids")
)

// SQLSTATE codes
// see https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	CodeTooManyConnections = "53300"
	CodeInternalError      = "XX000"
	CodeDataCorrupted      = "XX001"
)

// Severity is error severity
type Severity int

const (
	// SeverityError aborts the statement
	SeverityError Severity = iota
	// SeverityFatal terminates the session
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "FATAL"
	}
	return "ERROR"
}

// Report is an error reported to the client, like ereport() in postgres
type Report struct {
	Severity Severity
	Code     string
	Message  string
	Detail   string
	Hint     string
	cause    error
}

func (r *Report) Error() string {
	return fmt.Sprintf("%s: %s", r.Message, r.cause)
}

// Unwrap returns the sentinel error, so errors.Is() works
func (r *Report) Unwrap() error {
	return r.cause
}

// Cause is for github.com/pkg/errors
func (r *Report) Cause() error {
	return r.cause
}

// Format prints detail and hint with %+v
func (r *Report) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s %s: %s", r.Severity, r.Code, r.Error())
		if r.Detail != "" {
			fmt.Fprintf(s, "\nDETAIL: %s", r.Detail)
		}
		if r.Hint != "" {
			fmt.Fprintf(s, "\nHINT: %s", r.Hint)
		}
		return
	}
	fmt.Fprint(s, r.Error())
}

func newReport(sev Severity, code string, cause error, msg string) *Report {
	return &Report{Severity: sev, Code: code, Message: msg, cause: cause}
}

func (r *Report) withDetail(format string, args ...any) *Report {
	r.Detail = fmt.Sprintf(format, args...)
	return r
}

func (r *Report) withHint(format string, args ...any) *Report {
	r.Hint = fmt.Sprintf(format, args...)
	return r
}

// IsFatal checks whether the error terminates the session
func IsFatal(err error) bool {
	var r *Report
	return errors.As(err, &r) && r.Severity == SeverityFatal
}

// Code returns SQLSTATE of the error, or internal error if it isn't a report
func Code(err error) string {
	var r *Report
	if errors.As(err, &r) {
		return r.Code
	}
	return CodeInternalError
}
