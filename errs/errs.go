// Package errs provides structured error types and helpers for pricemesh services.
package errs

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies a source failure for retry handling.
type Kind string

const (
	// KindThrottled indicates the source signalled rate limiting; retryable.
	KindThrottled Kind = "throttled"
	// KindTransient indicates a network, timeout, or temporary-unavailability
	// failure; retryable within the attempt budget.
	KindTransient Kind = "transient"
	// KindPermanent indicates a malformed query, an unrecognized reference, or an
	// explicit rejection by the source; never retried.
	KindPermanent Kind = "permanent"
	// KindCancelled indicates the surrounding round was cancelled externally.
	KindCancelled Kind = "cancelled"
)

// E captures structured error information produced across the pricemesh stack.
type E struct {
	Source  string
	Op      string
	Kind    Kind
	HTTP    int
	RawCode string
	RawMsg  string
	Message string
	Fields  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the source and failure kind.
func New(source string, kind Kind, opts ...Option) *E {
	e := &E{
		Source:  strings.TrimSpace(source),
		Op:      "",
		Kind:    kind,
		HTTP:    0,
		RawCode: "",
		RawMsg:  "",
		Message: "",
		Fields:  nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithOp records the logical operation that produced the error.
func WithOp(op string) Option {
	trimmed := strings.TrimSpace(op)
	return func(e *E) {
		e.Op = trimmed
	}
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw source error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw source error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = "unknown"
	}
	parts = append(parts, "kind="+kind)

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf reports the failure kind carried by err. Context cancellation maps to
// KindCancelled and deadline expiry to KindTransient; anything unclassified is
// treated as transient so callers err on the side of retrying within budget.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// IsRetryable reports whether the failure kind permits another attempt.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindThrottled, KindTransient:
		return true
	default:
		return false
	}
}

// Classify wraps err into an envelope for the given source and operation,
// inferring the kind when err does not already carry one.
func Classify(source, op string, err error) *E {
	if err == nil {
		return nil
	}
	var e *E
	if errors.As(err, &e) {
		out := *e
		if out.Source == "" {
			out.Source = strings.TrimSpace(source)
		}
		if out.Op == "" {
			out.Op = strings.TrimSpace(op)
		}
		return &out
	}
	return New(source, KindOf(err), WithOp(op), WithCause(err))
}
