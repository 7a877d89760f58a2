package errors

import (
	"fmt"
	"regexp"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryReporter forwards enhanced errors to Sentry with secrets scrubbed
type SentryReporter struct {
	enabled bool
}

// InitSentry initializes the Sentry client and returns a reporter for it
func InitSentry(dsn, environment, release string) (*SentryReporter, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sentry DSN is empty")
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return &SentryReporter{enabled: true}, nil
}

// IsEnabled reports whether events are sent
func (sr *SentryReporter) IsEnabled() bool {
	return sr != nil && sr.enabled
}

// ReportError sends one event per error, at most once
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.IsEnabled() || ee.IsReported() {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.Component)
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("error_type", fmt.Sprintf("%T", ee.Err))
		for key, value := range ee.Context {
			if s, ok := value.(string); ok {
				value = scrubSecrets(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}
		scope.SetLevel(levelFor(ee.Category))
		scope.SetFingerprint([]string{ee.Component, string(ee.Category)})

		sentry.CaptureMessage(scrubSecrets(fmt.Sprintf("[%s] %s", ee.Category, ee.Err.Error())))
	})

	ee.MarkReported()
}

// Flush waits for queued events, bounded by timeout
func (sr *SentryReporter) Flush(timeout time.Duration) bool {
	if !sr.IsEnabled() {
		return true
	}
	return sentry.Flush(timeout)
}

func levelFor(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryConfiguration, CategoryDatabase:
		return sentry.LevelError
	case CategoryMQTTConnection, CategoryMQTTPublish, CategoryMQTTSubscribe:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}

var (
	credentialPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token)=\S+`)
	bearerPattern     = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.]+`)
	userinfoPattern   = regexp.MustCompile(`://[^/@\s]+@`)
)

// scrubSecrets removes credentials that may leak through broker URLs,
// DSNs or token strings.
func scrubSecrets(msg string) string {
	msg = credentialPattern.ReplaceAllString(msg, "$1=[REDACTED]")
	msg = bearerPattern.ReplaceAllString(msg, "Bearer [REDACTED]")
	return userinfoPattern.ReplaceAllString(msg, "://[REDACTED]@")
}
