// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/shipdesk/backoffice/internal/shared"
)

// Sentinel errors for the transport layer.
var (
	ErrUnauthorized = errors.New("actor identity required")
	ErrBadRequest   = errors.New("malformed request")
)

// RespondError maps ledger errors to HTTP responses using RFC7807. Unknown
// errors become a bare 500 so internals never reach the client.
func RespondError(w http.ResponseWriter, err error) {
	if ledgerErr, ok := shared.AsError(err); ok {
		status, title := statusFor(ledgerErr.Kind)
		JSON(w, status, ProblemDetail{
			Type:   "urn:backoffice:" + ledgerErr.Kind.String(),
			Title:  title,
			Status: status,
			Detail: ledgerErr.Message,
			Code:   ledgerErr.Code,
			IDs:    ledgerErr.IDs,
		})
		return
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, ErrBadRequest):
		Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// IsExpected reports whether err is a classified ledger or request error
// that should not be logged as a failure.
func IsExpected(err error) bool {
	if _, ok := shared.AsError(err); ok {
		return true
	}
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrBadRequest)
}

func statusFor(kind shared.ErrorKind) (int, string) {
	switch kind {
	case shared.KindValidation:
		return http.StatusBadRequest, "Validation Failed"
	case shared.KindNotFound:
		return http.StatusNotFound, "Not Found"
	case shared.KindConflict:
		return http.StatusConflict, "Conflict"
	case shared.KindForbidden:
		return http.StatusForbidden, "Forbidden"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}
