package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/xtrntr/ticketmatch/internal/auth"
	"github.com/xtrntr/ticketmatch/internal/models"
	"github.com/xtrntr/ticketmatch/internal/settlement"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// TradeEngine is the settlement surface the handlers drive. *settlement.Engine implements it.
type TradeEngine interface {
	CreateTrade(ctx context.Context, req settlement.CreateTradeRequest) (models.Trade, error)
	ConfirmTrade(ctx context.Context, tradeID, userID int64) (settlement.ConfirmResult, error)
	CancelTrade(ctx context.Context, tradeID, userID int64) (models.Trade, error)
	GetTrade(ctx context.Context, tradeID, userID int64) (settlement.TradeDetail, error)
	ListTrades(ctx context.Context, userID int64) ([]models.TradeSummary, error)
	Balance(ctx context.Context, userID int64) (settlement.Statement, error)
}

// Authenticator registers users and turns bearer tokens into identities.
// *auth.AuthService implements it.
type Authenticator interface {
	Register(ctx context.Context, username, password string) (*models.User, error)
	Login(ctx context.Context, username, password string) (string, error)
	GetUserFromToken(token string) (auth.Identity, error)
}

// Pinger reports whether a backing dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine      TradeEngine
	AuthService Authenticator
	Health      Pinger
	Log         *logrus.Logger
	validate    *validator.Validate
}

// NewHandler creates a new handler
func NewHandler(engine TradeEngine, authService Authenticator, health Pinger, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Engine:      engine,
		AuthService: authService,
		Health:      health,
		Log:         logger,
		validate:    validate,
	}
}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,max=50"`
	Password string `json:"password" validate:"required,max=72"`
}

type createTradeRequest struct {
	ListingID         int64           `json:"listing_id" validate:"required,gt=0"`
	AgreedPrice       decimal.Decimal `json:"agreed_price"`
	ProposerTicketIDs []int64         `json:"proposer_ticket_ids" validate:"omitempty,dive,gt=0"`
	OwnerTicketIDs    []int64         `json:"owner_ticket_ids" validate:"omitempty,dive,gt=0"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"balance":  user.Balance,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// HealthCheck reports whether the database answers
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			h.Log.WithError(err).Warn("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateTrade proposes a trade against a listing on behalf of the caller
func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeErrorBody(w, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED")
		return
	}

	var req createTradeRequest
	if !h.decode(w, r, &req) {
		return
	}

	trade, err := h.Engine.CreateTrade(r.Context(), settlement.CreateTradeRequest{
		ListingID:         req.ListingID,
		ProposerID:        identity.UserID,
		AgreedPrice:       req.AgreedPrice,
		ProposerTicketIDs: req.ProposerTicketIDs,
		OwnerTicketIDs:    req.OwnerTicketIDs,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, trade)
}

// ListTrades returns the caller's trades, newest first
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeErrorBody(w, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED")
		return
	}

	trades, err := h.Engine.ListTrades(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if trades == nil {
		trades = []models.TradeSummary{}
	}

	writeJSON(w, http.StatusOK, trades)
}

// GetTrade returns one trade the caller participates in
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	h.withTrade(w, r, func(ctx context.Context, tradeID, userID int64) (interface{}, error) {
		return h.Engine.GetTrade(ctx, tradeID, userID)
	})
}

// ConfirmTrade records the caller's confirmation and settles the trade once
// every participant has confirmed
func (h *Handler) ConfirmTrade(w http.ResponseWriter, r *http.Request) {
	h.withTrade(w, r, func(ctx context.Context, tradeID, userID int64) (interface{}, error) {
		return h.Engine.ConfirmTrade(ctx, tradeID, userID)
	})
}

// CancelTrade cancels a pending trade and releases its ticket locks
func (h *Handler) CancelTrade(w http.ResponseWriter, r *http.Request) {
	h.withTrade(w, r, func(ctx context.Context, tradeID, userID int64) (interface{}, error) {
		return h.Engine.CancelTrade(ctx, tradeID, userID)
	})
}

// GetBalance returns the caller's balance and ledger
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeErrorBody(w, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED")
		return
	}

	st, err := h.Engine.Balance(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) withTrade(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, tradeID, userID int64) (interface{}, error)) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeErrorBody(w, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED")
		return
	}

	tradeID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || tradeID <= 0 {
		writeErrorBody(w, http.StatusBadRequest, "Invalid trade ID", "BAD_REQUEST")
		return
	}

	res, err := fn(r.Context(), tradeID, identity.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "Invalid request body", "BAD_REQUEST")
		return false
	}

	if err := h.validate.StructCtx(r.Context(), dst); err != nil {
		var fields validator.ValidationErrors
		if !errors.As(err, &fields) {
			h.writeError(w, r, err)
			return false
		}
		msgs := make([]string, 0, len(fields))
		for _, f := range fields {
			msgs = append(msgs, fmt.Sprintf("%s failed on %s", f.Field(), f.Tag()))
		}
		writeErrorBody(w, http.StatusBadRequest, strings.Join(msgs, "; "), "VALIDATION_FAILED")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
