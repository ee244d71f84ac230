package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/lcfs/compliance-ledger/ledger"
)

// statusFor maps ledger error kinds onto HTTP statuses. Guard failures are
// 422 so clients can tell them apart from malformed requests.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrStaleVersion):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrOrganizationNotRegistered),
		errors.Is(err, ledger.ErrAlreadyReleased):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError renders err with its stable code. Invariant violations and
// unclassified errors are reported without their message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Code: ledger.Code(err), Message: err.Error()}

	var (
		verr *ledger.ValidationError
		cerr *ledger.ConflictError
		berr *ledger.InsufficientBalanceError
	)
	switch {
	case errors.As(err, &verr):
		resp.Field = verr.Field
	case errors.As(err, &cerr):
		resp.CurrentStatus = cerr.ActualStatus
		resp.CurrentVersion = cerr.ActualVersion
	case errors.As(err, &berr):
		resp.Available = berr.Available
		resp.Requested = berr.Requested
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", r.URL.Path).Error("internal error")
		resp.Message = "internal server error"
	}
	writeJSON(w, status, resp)
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ledger.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return nil
}
