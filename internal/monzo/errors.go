package monzo

import (
	"encoding/json"
	"fmt"

	"github.com/baely/monzo/internal/common/errors"
)

// Error codes returned by the Monzo API
const (
	codeTokenExpired            = "unauthorized.bad_access_token.expired"
	codeInsufficientPermissions = "forbidden.insufficient_permissions"
)

// API failure kinds. Callers test for these with errors.Is; the first two
// also match errors.ErrUnauthorized and errors.ErrForbidden.
var (
	ErrAuthorizationExpired    = errors.Wrap(errors.ErrUnauthorized, "monzo authorization expired")
	ErrInsufficientPermissions = errors.Wrap(errors.ErrForbidden, "monzo insufficient permissions")
	ErrInvalidResponse         = errors.New("invalid monzo api response")
	ErrSequenceConsumed        = errors.New("transaction sequence already consumed")
)

// APIError describes a failed or unexpected response from the Monzo API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	msg := e.kind.Error()
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s [status %d]", msg, e.StatusCode)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// classify builds an APIError from a response body that did not have the
// expected shape
func classify(statusCode int, body []byte) *APIError {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)

	apiErr := &APIError{
		StatusCode: statusCode,
		Code:       payload.Code,
		Message:    payload.Message,
		kind:       ErrInvalidResponse,
	}

	switch payload.Code {
	case codeTokenExpired:
		apiErr.kind = ErrAuthorizationExpired
	case codeInsufficientPermissions:
		apiErr.kind = ErrInsufficientPermissions
	}

	return apiErr
}
