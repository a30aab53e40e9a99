package errs

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrStaleApproval = errors.New("stale approval")
	ErrInProgress    = errors.New("request already in progress")
)

// ValidationError reports malformed input; nothing was changed.
type ValidationError struct {
	Fields map[string]string
}

func NewValidation(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
}

func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	if e.Empty() {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	if e.Reason == "" {
		return "not authorized"
	}
	return "not authorized: " + e.Reason
}

// RateLimitError is returned when a usage counter would exceed its daily limit.
type RateLimitError struct {
	UsageType string
	Current   int
	Limit     int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d/%d", e.UsageType, e.Current, e.Limit)
}

// InfrastructureError wraps a failure of a backing store or collaborator.
type InfrastructureError struct {
	Op  string
	Err error
}

func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InfrastructureError{Op: op, Err: err}
}

func (e *InfrastructureError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// ToolFailure is a per-call error captured during execution.
type ToolFailure struct {
	Step int
	Tool string
	Err  error
}

func (e *ToolFailure) Error() string {
	return fmt.Sprintf("step %d: tool %s failed: %v", e.Step, e.Tool, e.Err)
}

func (e *ToolFailure) Unwrap() error {
	return e.Err
}

// HTTPStatus maps an error to the response code the API returns for it.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var verr *ValidationError
	var aerr *AuthorizationError
	var rerr *RateLimitError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &aerr):
		return http.StatusForbidden
	case errors.As(err, &rerr):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStaleApproval), errors.Is(err, ErrInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage hides infrastructure detail from callers.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
