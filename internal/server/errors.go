package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"panopticon/internal/auth"
	"panopticon/internal/domain"
)

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"session is running, not pending_approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is every non-2xx response body: {"error": {code, message, details}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = codeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// useErrorEnvelope routes huma's own errors (validation, missing body,
// unknown fields) through apiError. Schema failures become 400.
func useErrorEnvelope() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return envelopeFor(status, msg, errs)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return envelopeFor(status, msg, errs)
	}
}

func envelopeFor(status int, msg string, errs []error) huma.StatusError {
	if status == http.StatusUnprocessableEntity {
		status = http.StatusBadRequest
	}
	var details map[string]any
	if len(errs) > 0 {
		reasons := make([]string, 0, len(errs))
		for _, e := range errs {
			reasons = append(reasons, e.Error())
		}
		details = map[string]any{"errors": reasons}
	}
	return newAPIError(status, "", msg, details)
}

// handleError maps coordinator and repository errors onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"session_id": fe.SessionID})
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return newAPIError(m.status, m.code, err.Error(), nil)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

var errorMappings = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrAlreadyExists, http.StatusConflict, "conflict"},
	{domain.ErrDecomposition, http.StatusBadGateway, "decomposition_failed"},
	{domain.ErrProvisioning, http.StatusBadGateway, "provisioning_failed"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "bad_request"},
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ToLower(strings.ReplaceAll(text, " ", "_"))
}
