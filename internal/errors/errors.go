// Package errors provides enhanced error handling with component and
// category metadata and optional telemetry reporting.
package errors

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorCategory groups errors for logging, metrics and telemetry
type ErrorCategory string

const (
	CategoryMQTTConnection ErrorCategory = "mqtt-connection"
	CategoryMQTTPublish    ErrorCategory = "mqtt-publish"
	CategoryMQTTSubscribe  ErrorCategory = "mqtt-subscribe"
	CategoryDatabase       ErrorCategory = "database"
	CategoryValidation     ErrorCategory = "validation"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryParse          ErrorCategory = "parse"
	CategoryBroadcast      ErrorCategory = "broadcast"
	CategoryWebSocket      ErrorCategory = "websocket"
	CategoryNotFound       ErrorCategory = "not-found"
	CategoryState          ErrorCategory = "state"
	CategoryGeneric        ErrorCategory = "generic"
)

// ComponentUnknown is used when no component was set on the builder
const ComponentUnknown = "unknown"

// Sentinel errors shared across packages
var (
	ErrNotConnected  = errors.New("transport not connected")
	ErrUnknownAction = errors.New("unknown command action")
	ErrTokenInvalid  = errors.New("token invalid")
	ErrNotFound      = errors.New("not found")
)

// EnhancedError wraps an error with component, category and context
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time
	reported  atomic.Bool
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError by category, anything else by the wrapped error
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return errors.Is(ee.Err, target)
}

// GetContext returns a copy of the context map
func (ee *EnhancedError) GetContext() map[string]any {
	return maps.Clone(ee.Context)
}

// MarkReported marks the error as sent to telemetry
func (ee *EnhancedError) MarkReported() {
	ee.reported.Store(true)
}

// IsReported reports whether the error was already sent to telemetry
func (ee *EnhancedError) IsReported() bool {
	return ee.reported.Load()
}

// ErrorBuilder provides a fluent interface for building enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New starts building an enhanced error around err
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts building an enhanced error from a format string
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds a context key/value pair
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Build creates the EnhancedError and reports it when a reporter is active
func (eb *ErrorBuilder) Build() *EnhancedError {
	if eb.err == nil {
		eb.err = errors.New("unspecified error")
	}
	ee := &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if ee.Component == "" {
		ee.Component = ComponentUnknown
	}
	if ee.Category == "" {
		ee.Category = CategoryGeneric
	}

	report(ee)

	return ee
}

// Reporter receives built errors, e.g. to forward them to Sentry
type Reporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	reporterMu sync.RWMutex
	reporter   Reporter
)

// SetReporter installs the process-wide reporter; nil disables reporting
func SetReporter(r Reporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	reporter = r
}

// quietCategories are expected, client-driven failures not worth reporting
var quietCategories = map[ErrorCategory]bool{
	CategoryValidation:     true,
	CategoryParse:          true,
	CategoryAuthentication: true,
	CategoryNotFound:       true,
}

func report(ee *EnhancedError) {
	if quietCategories[ee.Category] {
		return
	}
	reporterMu.RLock()
	r := reporter
	reporterMu.RUnlock()
	if r == nil || !r.IsEnabled() {
		return
	}
	r.ReportError(ee)
}

// IsCategory reports whether err is an EnhancedError of the given category
func IsCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	if As(err, &ee) {
		return ee.Category == category
	}
	return false
}

// NewStd creates a plain error, like the standard library errors.New
func NewStd(text string) error {
	return errors.New(text)
}

// Is is a passthrough for errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a passthrough for errors.As
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap is a passthrough for errors.Unwrap
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Join is a passthrough for errors.Join
func Join(errs ...error) error {
	return errors.Join(errs...)
}
