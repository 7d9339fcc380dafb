// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Sentinel errors for the transport layer.
var (
	ErrNotFound    = errors.New("resource not found")
	ErrDuplicate   = errors.New("duplicate entry")
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("state conflict")
	ErrUnavailable = errors.New("temporarily unavailable")
	ErrTooLarge    = errors.New("request body too large")
)

var fallbacks = []struct {
	err    error
	status int
	title  string
	code   string
}{
	{ErrNotFound, http.StatusNotFound, "Not Found", "NOT_FOUND"},
	{ErrDuplicate, http.StatusConflict, "Duplicate", "DUPLICATE"},
	{ErrTooLarge, http.StatusRequestEntityTooLarge, "Payload Too Large", "PAYLOAD_TOO_LARGE"},
	{ErrValidation, http.StatusBadRequest, "Validation Failed", "INVALID_INPUT"},
	{ErrConflict, http.StatusConflict, "Conflict", "CONFLICT"},
	{ErrUnavailable, http.StatusServiceUnavailable, "Unavailable", "UNAVAILABLE"},
}

// RespondError maps errors to RFC7807 responses. Unknown errors become a 500
// without detail so internals never leak.
func RespondError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		ProblemCode(w, http.StatusBadRequest, "Validation Failed", err.Error(), "INVALID_INPUT")
		return
	}
	for _, f := range fallbacks {
		if errors.Is(err, f.err) {
			ProblemCode(w, f.status, f.title, err.Error(), f.code)
			return
		}
	}
	ProblemCode(w, http.StatusInternalServerError, "Internal Error", "", "INTERNAL")
}
