// Package errs provides structured error types and helpers for tapewire services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a transport-agnostic error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeTimeout indicates an I/O deadline was exceeded.
	CodeTimeout Code = "timeout"
	// CodeUnavailable indicates the service or its upstream is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeExhausted indicates a bounded resource overflowed.
	CodeExhausted Code = "exhausted"
	// CodeClosed indicates the peer or channel has gone away.
	CodeClosed Code = "closed"
	// CodeInternal indicates an unexpected internal failure.
	CodeInternal Code = "internal"
)

// Kind captures the subscription-facing failure category carried on the wire.
type Kind string

const (
	// KindUnknown captures uncategorized failures.
	KindUnknown Kind = "UNKNOWN"
	// KindInvalidFilter indicates filter compilation rejected the payload.
	KindInvalidFilter Kind = "INVALID_FILTER"
	// KindSnapshotFailed indicates the historical snapshot aborted mid-fetch.
	KindSnapshotFailed Kind = "SNAPSHOT_FAILED"
	// KindUpstreamUnavailable indicates the ingestor was not running when required.
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	// KindUpstreamPoison indicates an upstream record could not be decoded.
	KindUpstreamPoison Kind = "UPSTREAM_POISON"
	// KindOverflowDrop indicates a bounded inbox discarded events.
	KindOverflowDrop Kind = "OVERFLOW_DROP"
	// KindTransportClosed indicates the client connection went away.
	KindTransportClosed Kind = "TRANSPORT_CLOSED"
)

// E captures structured error information produced across the tapewire stack.
type E struct {
	Component string
	Code      Code
	Kind      Kind
	HTTP      int
	Message   string
	Field     string
	Reason    string
	Page      int
	Dropped   uint64
	Meta      map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Kind:      KindUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithKind sets the subscription-facing failure category.
func WithKind(kind Kind) Option {
	return func(e *E) {
		if kind == "" {
			e.Kind = KindUnknown
			return
		}
		e.Kind = kind
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithField records the filter field that caused the failure.
func WithField(field string) Option {
	trimmed := strings.TrimSpace(field)
	return func(e *E) {
		e.Field = trimmed
	}
}

// WithReason records a machine-readable rejection reason.
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithPage records the snapshot page on which the failure occurred.
func WithPage(page int) Option {
	return func(e *E) {
		e.Page = page
	}
}

// WithDropped records how many events a bounded queue discarded.
func WithDropped(n uint64) Option {
	return func(e *E) {
		e.Dropped = n
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetaField appends a single metadata key/value pair.
func WithMetaField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Meta == nil {
			e.Meta = make(map[string]string, 1)
		}
		e.Meta[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if k := strings.TrimSpace(string(e.Kind)); k != "" && k != string(KindUnknown) {
		parts = append(parts, "kind="+k)
	}
	if e.Field != "" {
		parts = append(parts, "field="+strconv.Quote(e.Field))
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+strconv.Quote(e.Reason))
	}
	if e.Page > 0 {
		parts = append(parts, "page="+strconv.Itoa(e.Page))
	}
	if e.Dropped > 0 {
		parts = append(parts, "dropped="+strconv.FormatUint(e.Dropped, 10))
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Meta) > 0 {
		keys := make([]string, 0, len(e.Meta))
		for k := range e.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Meta[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, walking wrapped errors.
// Returns CodeInternal when err carries no envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

// KindOf extracts the subscription-facing kind from err, walking wrapped errors.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var e *E
	return errors.As(err, &e) && e != nil && e.Code == code
}
