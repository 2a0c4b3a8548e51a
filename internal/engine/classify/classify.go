package classify

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vietddude/shopsync/internal/infra/store"
)

// Kind is the closed failure taxonomy.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindPermission Kind = "permission"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindUnknown    Kind = "unknown"
)

// Classified wraps a raw failure with its kind, retry eligibility and the
// message shown to the user.
type Classified struct {
	Kind      Kind
	Retryable bool
	Message   string
	Cause     error
}

func (c *Classified) Error() string {
	if c.Cause != nil {
		return string(c.Kind) + ": " + c.Cause.Error()
	}
	return string(c.Kind) + ": " + c.Message
}

func (c *Classified) Unwrap() error { return c.Cause }

// Conflict builds a classified conflict error directly (used by the mutation
// manager's single-pending rule, which has no raw cause to wrap).
func Conflict(message string) *Classified {
	return &Classified{Kind: KindConflict, Retryable: false, Message: message}
}

// Error maps any raised failure onto the taxonomy. Pure: same input, same
// output, no side effects. Unknown failures are not retryable — failing safe
// beats retrying indefinitely.
func Error(err error) *Classified {
	if err == nil {
		return nil
	}

	var already *Classified
	if errors.As(err, &already) {
		return already
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return &Classified{
			Kind:    KindNotFound,
			Message: "This item no longer exists. Refresh to see the latest data.",
			Cause:   err,
		}
	case errors.Is(err, store.ErrPermissionDenied):
		return &Classified{
			Kind:    KindPermission,
			Message: "You don't have permission to do that.",
			Cause:   err,
		}
	case errors.Is(err, store.ErrInvalidPayload):
		return &Classified{
			Kind:    KindValidation,
			Message: "Some fields are invalid. Check the form and try again.",
			Cause:   err,
		}
	case errors.Is(err, store.ErrConflict):
		return &Classified{
			Kind:    KindConflict,
			Message: "Someone or something else is editing this item.",
			Cause:   err,
		}
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return networkError(err)
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return &Classified{
			Kind:    KindValidation,
			Message: "Some fields are invalid. Check the form and try again.",
			Cause:   err,
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return networkError(err)
	}

	// Opaque transport errors only expose strings.
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "connection refused"),
		strings.Contains(s, "connection reset"),
		strings.Contains(s, "timeout"),
		strings.Contains(s, "temporarily unavailable"),
		strings.Contains(s, "broken pipe"),
		strings.Contains(s, "no such host"):
		return networkError(err)
	case strings.Contains(s, "permission"), strings.Contains(s, "forbidden"),
		strings.Contains(s, "unauthorized"):
		return &Classified{
			Kind:    KindPermission,
			Message: "You don't have permission to do that.",
			Cause:   err,
		}
	case strings.Contains(s, "not found"):
		return &Classified{
			Kind:    KindNotFound,
			Message: "This item no longer exists. Refresh to see the latest data.",
			Cause:   err,
		}
	}

	return &Classified{
		Kind:    KindUnknown,
		Message: "Something went wrong. Try again later.",
		Cause:   err,
	}
}

func networkError(err error) *Classified {
	return &Classified{
		Kind:      KindNetwork,
		Retryable: true,
		Message:   "Connection problem. Check your network and retry.",
		Cause:     err,
	}
}
