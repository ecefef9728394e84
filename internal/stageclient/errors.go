package stageclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediaflow/internal/services"
)

// StatusError is a non-2xx reply from a stage service.
type StatusError struct {
	Stage      string
	StatusCode int
	Kind       services.Kind
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d (%s): %s", e.Stage, e.StatusCode, e.Kind, msg)
}

// Unwrap exposes the services marker matching Kind.
func (e *StatusError) Unwrap() error {
	return services.MarkerFor(e.Kind)
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		return statusErr.RetryAfter, true
	}
	return 0, false
}

// classifyStatus maps an HTTP status and the error_kind of the body onto the
// failure taxonomy. 4xx replies other than 408 and 429 are the caller's
// fault. Server errors are transient unless the service says otherwise.
func classifyStatus(code int, bodyKind string) services.Kind {
	declared := strings.ToLower(strings.TrimSpace(bodyKind))
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		if declared == string(services.KindResourceExhausted) {
			return services.KindResourceExhausted
		}
		return services.KindTransient
	case code == http.StatusInsufficientStorage:
		return services.KindResourceExhausted
	case code >= 400 && code < 500:
		return services.KindClientInput
	case code >= 500:
		switch declared {
		case string(services.KindResourceExhausted):
			return services.KindResourceExhausted
		case string(services.KindFatal):
			return services.KindFatal
		case string(services.KindClientInput):
			return services.KindClientInput
		case string(services.KindConfiguration):
			return services.KindConfiguration
		default:
			return services.KindTransient
		}
	default:
		return services.KindFatal
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
