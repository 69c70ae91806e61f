package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/checkout"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const maxUserIDLen = 255

// Route paths served by Handler
const (
	PathCheckout  = "/billing/checkout"
	PathPortal    = "/billing/portal"
	PathStatus    = "/billing/status"
	PathCanCreate = "/billing/legacy-notes/can-create"
)

// Handler provides the billing HTTP endpoints
type Handler struct {
	config Config
}

// Routes returns a mux serving every endpoint under its Path constant
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathCheckout, h.Checkout)
	mux.HandleFunc("POST "+PathPortal, h.Portal)
	mux.HandleFunc("GET "+PathStatus, h.Status)
	mux.HandleFunc("GET "+PathCanCreate, h.CanCreateLegacyNote)
	return mux
}

// Checkout starts a subscription checkout and returns its URL
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, SessionResponse{Error: "Authentication required"})
		return
	}

	url, err := h.config.Sessions.StartCheckout(r.Context(), userID)
	if err != nil {
		h.sessionError(w, r, "checkout", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Success: true, URL: url})
}

// Portal opens the billing portal for a paying user
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, SessionResponse{Error: "Authentication required"})
		return
	}

	url, err := h.config.Sessions.StartPortal(r.Context(), userID)
	if err != nil {
		h.sessionError(w, r, "portal", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Success: true, URL: url})
}

// Status returns the user's plan and subscription summary
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required"})
		return
	}

	view, err := h.config.Entitlements.Status(r.Context(), userID)
	if err != nil {
		h.config.Logger.Error("Failed to load billing status",
			entitlement.Field{Key: "user_id", Value: userID}, entitlement.ErrField(err))
		h.handleError(w, r, errors.New("unable to load billing status"), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Plan:              string(view.Plan),
		Status:            string(view.Status),
		IsActive:          view.IsActive,
		EndsAt:            view.EndsAt,
		CancelAtPeriodEnd: view.CancelAtPeriodEnd,
		Provisional:       view.Provisional,
	})
}

// CanCreateLegacyNote reports whether the user may create another legacy
// note. Any failure answers canCreate:false with 503.
func (h *Handler) CanCreateLegacyNote(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, CanCreateResponse{Message: "Authentication required"})
		return
	}

	d, err := h.config.Entitlements.CanCreateLegacyNote(r.Context(), userID)
	if err != nil {
		h.config.Logger.Error("Entitlement check failed; denying",
			entitlement.Field{Key: "user_id", Value: userID}, entitlement.ErrField(err))
		msg := d.Message
		if msg == "" {
			msg = "Unable to verify your plan right now. Please try again."
		}
		writeJSON(w, http.StatusServiceUnavailable, CanCreateResponse{Message: msg})
		return
	}

	writeJSON(w, http.StatusOK, CanCreateResponse{
		CanCreate: d.CanCreate,
		Current:   d.Current,
		Limit:     d.Limit,
		Message:   d.Message,
	})
}

func (h *Handler) userID(r *http.Request) (string, bool) {
	userID := strings.TrimSpace(h.config.GetUserID(r))
	if userID == "" || len(userID) > maxUserIDLen {
		return "", false
	}
	return userID, true
}

// sessionError maps checkout errors to status codes. Provider messages are
// passed through only when the provider marked them user-facing.
func (h *Handler) sessionError(w http.ResponseWriter, r *http.Request, op, userID string, err error) {
	var (
		status int
		msg    string
	)
	switch {
	case errors.Is(err, checkout.ErrUnauthenticated):
		status, msg = http.StatusUnauthorized, "Authentication required"
	case errors.Is(err, checkout.ErrAlreadySubscribed):
		status, msg = http.StatusConflict, "You already have an active subscription"
	case errors.Is(err, checkout.ErrUpgradeRequired):
		status, msg = http.StatusPaymentRequired, "Upgrade to Pro to manage billing"
	case errors.Is(err, checkout.ErrMissingCustomerLink):
		status, msg = http.StatusConflict, "Your billing account needs attention. Please contact support."
	case errors.Is(err, checkout.ErrNotConfigured), errors.Is(err, billing.ErrProviderNotConfigured):
		status, msg = http.StatusServiceUnavailable, "Billing is not available right now"
	case errors.Is(err, billing.ErrProviderAPIError):
		status, msg = http.StatusBadGateway, billing.SafeMessage(err)
	default:
		h.config.Logger.Error("Billing session failed",
			entitlement.Field{Key: "op", Value: op},
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.ErrField(err))
		if h.config.OnError != nil {
			h.config.OnError(w, r, errors.New("internal error"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, SessionResponse{Error: "Internal error"})
		return
	}

	if status >= http.StatusInternalServerError {
		h.config.Logger.Warn("Billing session unavailable",
			entitlement.Field{Key: "op", Value: op},
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.ErrField(err))
	}
	writeJSON(w, status, SessionResponse{Error: msg})
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// response already started
		_ = err
	}
}
