// Package errors defines the error kinds shared by the scanner, catalog,
// and dispatch layers. Callers branch on the category of a failure (retry,
// flag auth, mark invalid) rather than on concrete causes.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error values for errors.Is matching across package boundaries.
var (
	ErrNotFound      = errors.New("not found")
	ErrAuthRequired  = errors.New("authentication required")
	ErrTimeout       = errors.New("timeout")
	ErrInvalidInput  = errors.New("invalid input")
	ErrPoolExhausted = errors.New("connection pool exhausted")
	ErrInternal      = errors.New("internal error")
)

// Kind categorizes a failure.
type Kind string

const (
	// KindTransport covers socket, DNS, and TLS failures and timeouts
	// reaching a remote endpoint. Retried only where the probe step allows.
	KindTransport Kind = "transport"
	// KindProtocol covers 4xx/5xx responses, unparseable bodies, and missing
	// required fields. Never retried.
	KindProtocol Kind = "protocol"
	// KindAuthRequired covers HTTP 401/403 from a probed endpoint.
	KindAuthRequired Kind = "auth_required"
	// KindStore covers connection-pool and statement failures in the catalog.
	KindStore Kind = "store"
	// KindClassifier covers failures inside a honeypot rule; swallowed by the
	// rule that raised them.
	KindClassifier Kind = "classifier"
	// KindConfig covers missing or invalid environment; fatal at startup.
	KindConfig Kind = "config"
	// KindNotFound covers resolver and query misses; a first-class outcome.
	KindNotFound Kind = "not_found"
)

// Error is the structured error carried between components.
type Error struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "probe_tags", "upsert_endpoint"
	Target     string // remote target ("ip:port") or table, when applicable
	Err        error
	StatusCode int    // HTTP status when applicable
	Stmt       string // SQL statement for KindStore
	Args       []any  // SQL parameters for KindStore
	Timestamp  time.Time
	Retryable  bool
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindStore && e.Stmt != "":
		return fmt.Sprintf("%s failed: %v (stmt: %s args: %v)", e.Op, e.Err, compactStmt(e.Stmt), e.Args)
	case e.Target != "":
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Target, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is maps kinds onto the base error values.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrAuthRequired:
		return e.Kind == KindAuthRequired
	case ErrTimeout:
		return errorMentionsTimeout(e.Err)
	case ErrPoolExhausted:
		return e.Kind == KindStore && errors.Is(e.Err, ErrPoolExhausted)
	}
	return errors.Is(e.Err, target)
}

// New creates an Error of the given kind with kind-default retryability.
func New(kind Kind, op, target string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Target:    target,
		Err:       err,
		Timestamp: time.Now().UTC(),
		Retryable: kindRetryable(kind),
	}
}

// WithStatusCode records the HTTP status and adjusts retryability: 5xx and
// 429 stay retryable at the transport layer, other 4xx never are.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	switch {
	case code == 401 || code == 403:
		e.Kind = KindAuthRequired
		e.Retryable = false
	case code >= 500 || code == 429 || code == 408:
		e.Retryable = true
	case code >= 400:
		e.Retryable = false
	}
	return e
}

// WithStatement attaches the SQL and parameters for store diagnostics.
func (e *Error) WithStatement(stmt string, args []any) *Error {
	e.Stmt = stmt
	e.Args = args
	return e
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindTransport, KindStore:
		return true
	default:
		return false
	}
}

// Transport wraps a socket-level failure against a remote target.
func Transport(op, target string, err error) error {
	return New(KindTransport, op, target, err)
}

// Protocol wraps an HTTP or parse failure against a remote target.
func Protocol(op, target string, err error) error {
	return New(KindProtocol, op, target, err)
}

// AuthRequired reports a 401/403 from a remote target.
func AuthRequired(op, target string, code int) error {
	return New(KindAuthRequired, op, target, ErrAuthRequired).WithStatusCode(code)
}

// Store wraps a catalog failure with the offending statement.
func Store(op, stmt string, args []any, err error) error {
	return New(KindStore, op, "", err).WithStatement(stmt, args)
}

// NotFound reports a resolver or query miss.
func NotFound(op, target string) error {
	return New(KindNotFound, op, target, ErrNotFound)
}

// Config reports invalid or missing environment.
func Config(op string, err error) error {
	return New(KindConfig, op, "", err)
}

// KindOf extracts the kind from an error chain, or "" when none is carried.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether retrying the failed operation may help.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errors.Is(err, ErrTimeout) || errorMentionsTimeout(err)
}

// IsAuth reports whether the error chain indicates HTTP authentication.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindAuthRequired {
			return true
		}
		if e.StatusCode == 401 || e.StatusCode == 403 {
			return true
		}
	}
	if errors.Is(err, ErrAuthRequired) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden")
}

// IsNotFound reports whether the error chain is a miss rather than a failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func errorMentionsTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

func compactStmt(stmt string) string {
	fields := strings.Fields(stmt)
	compact := strings.Join(fields, " ")
	if len(compact) > 160 {
		compact = compact[:157] + "..."
	}
	return compact
}
