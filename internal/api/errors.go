package api

import (
	"errors"
	"net/http"

	"github.com/xtrntr/ticketmatch/internal/auth"
	"github.com/xtrntr/ticketmatch/internal/db"
	"github.com/xtrntr/ticketmatch/internal/settlement"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

var statuses = []struct {
	err    error
	status int
	code   string
}{
	{auth.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
	{db.ErrUsernameTaken, http.StatusConflict, "USERNAME_TAKEN"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED"},

	{settlement.ErrInvalidPrice, http.StatusBadRequest, ""},
	{settlement.ErrEmptyTrade, http.StatusBadRequest, ""},
	{settlement.ErrDuplicateTicket, http.StatusBadRequest, ""},
	{settlement.ErrUnexpectedTickets, http.StatusBadRequest, ""},

	{settlement.ErrListingNotFound, http.StatusNotFound, ""},
	{settlement.ErrTradeNotFound, http.StatusNotFound, ""},
	{settlement.ErrTicketNotFound, http.StatusNotFound, ""},

	{settlement.ErrNotAParticipant, http.StatusForbidden, ""},

	{settlement.ErrListingNotActive, http.StatusConflict, ""},
	{settlement.ErrTradeNotPending, http.StatusConflict, ""},
	{settlement.ErrAlreadyConfirmed, http.StatusConflict, ""},
	{settlement.ErrTicketUnavailable, http.StatusConflict, ""},
	{settlement.ErrConcurrentUpdate, http.StatusConflict, ""},

	{settlement.ErrSelfTrade, http.StatusUnprocessableEntity, ""},
	{settlement.ErrTicketNotOwnedByExpectedParty, http.StatusUnprocessableEntity, ""},
	{settlement.ErrTicketNotActive, http.StatusUnprocessableEntity, ""},
	{settlement.ErrTicketWrongEvent, http.StatusUnprocessableEntity, ""},
	{settlement.ErrTicketNotOffered, http.StatusUnprocessableEntity, ""},
	{settlement.ErrInsufficientBalance, http.StatusUnprocessableEntity, ""},
	{settlement.ErrPriceExceedsTicketValue, http.StatusUnprocessableEntity, ""},
}

// statusFor maps err to an HTTP status and machine-readable code. Anything
// unrecognised, including corrupted ticket state, is a 500.
func statusFor(err error) (int, string) {
	for _, s := range statuses {
		if errors.Is(err, s.err) {
			code := s.code
			if code == "" {
				code = settlement.Code(err)
			}
			return s.status, code
		}
	}
	return http.StatusInternalServerError, settlement.Code(err)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.Log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
			"code":       code,
		}).WithError(err).Error("request failed")
		msg = "Internal server error"
	}
	writeErrorBody(w, status, msg, code)
}

func writeErrorBody(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
