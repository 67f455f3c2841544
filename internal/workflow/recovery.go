package workflow

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/nidhogg/caremesh/internal/planner"
)

// ErrorClass buckets an execution failure for step-level recovery.
type ErrorClass string

const (
	ClassNetwork    ErrorClass = "network"
	ClassTimeout    ErrorClass = "timeout"
	ClassResource   ErrorClass = "resource"
	ClassValidation ErrorClass = "validation"
	ClassUnknown    ErrorClass = "unknown"
)

// Classify inspects an error and assigns it a recovery class. Unknown errors
// short-circuit the workflow; every other class has a bounded local recovery.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}

	var vErr *planner.ValidationError
	if errors.As(err, &vErr) {
		return ClassValidation
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ClassTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "unreachable") || strings.Contains(msg, "refused"):
		return ClassNetwork
	case strings.Contains(msg, "resource") || strings.Contains(msg, "capacity") ||
		strings.Contains(msg, "exhausted") || strings.Contains(msg, "too many"):
		return ClassResource
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "quality gate"):
		return ClassValidation
	default:
		return ClassUnknown
	}
}
