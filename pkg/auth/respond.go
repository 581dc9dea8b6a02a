package auth

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

// Detail is one element of the standard error body,
// {"detail": [{"msg", "type", "loc"}]}, shared by the API and the
// X-Error-Body hint on auth subrequests.
type Detail struct {
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
	Loc  []string `json:"loc,omitempty"`
}

type errorBody struct {
	Detail []Detail `json:"detail"`
}

// Status maps an error to its HTTP status code. Duplicate token names
// map to 409 for creation; modification routes override to 422.
func Status(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrInvalidCredentials, errors.ErrTokenExpired:
		return http.StatusUnauthorized
	case errors.ErrInsufficientScope, errors.ErrForbidden:
		return http.StatusForbidden
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrDuplicateTokenName:
		return http.StatusConflict
	case errors.ErrMalformedToken, errors.ErrValidation:
		return http.StatusUnprocessableEntity
	case errors.ErrProvider:
		return http.StatusBadGateway
	case errors.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorDetail converts an error to its wire detail. The classified
// message is used without the type prefix and cause chain, which belong
// in logs rather than responses.
func ErrorDetail(err error) Detail {
	msg := err.Error()
	var classified *errors.Error
	if stderrors.As(err, &classified) {
		msg = classified.Message
	}
	return Detail{Msg: msg, Type: errors.TypeOf(err)}
}

// WriteError renders an error with the status code its type implies.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorStatus(w, Status(err), err)
}

// WriteErrorStatus renders an error with an explicit status code, for
// routes whose status differs from the type's default.
func WriteErrorStatus(w http.ResponseWriter, status int, err error) {
	WriteDetail(w, status, ErrorDetail(err))
}

// WriteDetail renders an error body from explicit details.
func WriteDetail(w http.ResponseWriter, status int, details ...Detail) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Detail: details}); err != nil {
		logger.Warnw("failed to write error response", "error", err.Error())
	}
}

// DetailJSON returns the serialized error body for an error, used for
// the X-Error-Body header hint consumed by NGINX.
func DetailJSON(err error) string {
	body, marshalErr := json.Marshal(errorBody{Detail: []Detail{ErrorDetail(err)}})
	if marshalErr != nil {
		return `{"detail":[{"msg":"internal error","type":"internal"}]}`
	}
	return string(body)
}
