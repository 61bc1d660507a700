package bitrix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrBatchTooLarge is returned when a single batch carries more than MaxBatchCommands.
var ErrBatchTooLarge = errors.New("bitrix: too many commands in one batch")

type APIError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e APIError) IsZero() bool {
	return e.Code == "" && e.Description == ""
}

func (e APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("bitrix api error: %s (%s)", e.Code, e.Description)
	}
	return fmt.Sprintf("bitrix api error: %s", e.Code)
}

// TransportError covers network failures and non-2xx responses without an API error body.
type TransportError struct {
	Method     string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("bitrix %s: http status %d: %v", e.Method, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("bitrix %s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether a failed call is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "QUERY_LIMIT_EXCEEDED", "OPERATION_TIME_LIMIT", "INTERNAL_SERVER_ERROR":
			return true
		}
		return false
	}

	var te *TransportError
	if errors.As(err, &te) && te.StatusCode != 0 {
		return te.StatusCode == http.StatusTooManyRequests || te.StatusCode >= 500
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset")
}
