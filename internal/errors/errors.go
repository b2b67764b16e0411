// Package errors maps the engine's sentinel errors onto a stable HTTP
// error envelope. Handlers return plain Go errors; this package owns the
// classification.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/driftbox/driftbox/pkg/provider"
	"github.com/driftbox/driftbox/pkg/resolver"
	"github.com/driftbox/driftbox/pkg/session"
	"github.com/driftbox/driftbox/pkg/store"
	"github.com/driftbox/driftbox/pkg/vault"
)

// Stable machine-readable error codes carried in the response envelope.
const (
	CodeValidation       = "VALIDATION"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeCrypto           = "CRYPTO"
	CodeProvider         = "PROVIDER"
	CodeUnsupported      = "UNSUPPORTED"
	CodeSessionState     = "SESSION_STATE"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInternal         = "INTERNAL"
)

// HTTPErrorResponse is the wire envelope for every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the envelope payload.
type HTTPError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Classify maps an error to its code and HTTP status.
func Classify(err error) (code string, status int) {
	var validationErr *provider.ValidationError
	var cryptoErr *vault.CryptoError

	switch {
	case err == nil:
		return "", http.StatusOK

	case errors.As(err, &validationErr):
		return CodeValidation, http.StatusBadRequest

	case errors.As(err, &cryptoErr):
		return CodeCrypto, http.StatusInternalServerError

	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, provider.ErrNotFound):
		return CodeNotFound, http.StatusNotFound

	case errors.Is(err, store.ErrQuotaConflict):
		return CodeConflict, http.StatusConflict

	case errors.Is(err, provider.ErrUnknownType),
		errors.Is(err, session.ErrChunkOutOfRange),
		errors.Is(err, session.ErrChunkSize),
		errors.Is(err, session.ErrReorderWindow),
		errors.Is(err, session.ErrPartsIncomplete):
		return CodeValidation, http.StatusBadRequest

	case errors.Is(err, session.ErrDuplicateChunk):
		return CodeConflict, http.StatusConflict

	case errors.Is(err, session.ErrTerminal),
		errors.Is(err, session.ErrNotRetryable),
		errors.Is(err, session.ErrDirectSession),
		errors.Is(err, session.ErrProxiedSession),
		errors.Is(err, session.ErrProviderInactive):
		return CodeSessionState, http.StatusConflict

	case errors.Is(err, provider.ErrUnsupported):
		return CodeUnsupported, http.StatusNotImplemented

	case errors.Is(err, provider.ErrInvalidCredentials),
		errors.Is(err, provider.ErrAccessDenied),
		errors.Is(err, resolver.ErrConnectionRefused):
		return CodeProvider, http.StatusBadGateway

	case errors.Is(err, provider.ErrProviderUnavailable),
		errors.Is(err, provider.ErrThrottled):
		return CodeProvider, http.StatusBadGateway

	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// RespondWithError writes the envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := Classify(err)
	writeEnvelope(w, status, code, err.Error())
}

// RespondValidation writes a 400 envelope for malformed requests.
func RespondValidation(w http.ResponseWriter, r *http.Request, message string) {
	writeEnvelope(w, http.StatusBadRequest, CodeValidation, message)
}

// RespondNotFound writes the canonical 404 envelope.
func RespondNotFound(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusNotFound, CodeNotFound, "resource not found")
}

// RespondMethodNotAllowed writes the canonical 405 envelope.
func RespondMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}

func writeEnvelope(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: HTTPError{Code: code, Message: message}})
}
