package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/InternetMaximalism/intmax2/errkind"
	"github.com/InternetMaximalism/intmax2/intake"
	"github.com/InternetMaximalism/intmax2/signature"
)

type errorBody struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// writeError maps an internal error onto the published HTTP status and
// error_kind pair.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "InternalError"

	switch {
	case errors.Is(err, intake.ErrBackpressure):
		status, kind = http.StatusTooManyRequests, "Backpressure"
	case errors.Is(err, intake.ErrFeePaymentInvalid):
		status, kind = http.StatusConflict, "FeePaymentInvalid"
	case errors.Is(err, intake.ErrUnknownSender), errors.Is(err, signature.ErrUnknownSender):
		status, kind = http.StatusConflict, "UnknownSender"
	case errors.Is(err, intake.ErrUnknownRequest), errors.Is(err, signature.ErrUnknownRequest):
		status, kind = http.StatusNotFound, "UnknownRequest"
	case errors.Is(err, signature.ErrInvalidSignature):
		status, kind = http.StatusUnauthorized, "InvalidSignature"
	case errkind.IsValidation(err):
		status, kind = http.StatusBadRequest, "BadRequest"
	case errkind.IsTransient(err):
		status, kind = http.StatusServiceUnavailable, "TransientUnavailable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{ErrorKind: kind, Message: err.Error()})
}

// isPending distinguishes "not batched yet, retry" from real errors.
func isPending(err error) bool {
	return errors.Is(err, intake.ErrPending)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
