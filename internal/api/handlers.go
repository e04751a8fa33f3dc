package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"learnova.app/backend/internal/auth"
	"learnova.app/backend/internal/core"
	"learnova.app/backend/internal/quota"
	"learnova.app/backend/internal/store"
)

// Large enough for a photographed textbook page sent as base64.
const maxAnswerBodyBytes = 12 << 20

type APIHandler struct {
	orch   *core.Orchestrator
	signer *auth.Signer
	log    zerolog.Logger
}

func NewAPIHandler(orch *core.Orchestrator, signer *auth.Signer, log zerolog.Logger) *APIHandler {
	return &APIHandler{orch: orch, signer: signer, log: log}
}

type errorResponse struct {
	Error  string       `json:"error"`
	Prompt quota.Prompt `json:"prompt,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is the single place errors become user-visible messages.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := h.describeError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func (h *APIHandler) describeError(err error) (int, errorResponse) {
	prompt := quota.PromptFor(err)
	switch {
	case errors.Is(err, quota.ErrEmptyRequest),
		errors.Is(err, core.ErrWeakPassword),
		errors.Is(err, core.ErrMissingIdentity):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, core.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorResponse{Error: err.Error()}
	case errors.Is(err, store.ErrDuplicateUser), errors.Is(err, core.ErrAlreadyPremium):
		return http.StatusConflict, errorResponse{Error: err.Error()}
	case errors.Is(err, quota.ErrAuthRequired):
		if prompt == quota.PromptNone {
			prompt = quota.PromptSignIn
		}
		return http.StatusUnauthorized, errorResponse{Error: err.Error(), Prompt: prompt}
	case errors.Is(err, quota.ErrQuotaExceeded):
		if prompt == quota.PromptNone {
			prompt = quota.PromptUpgrade
		}
		return http.StatusPaymentRequired, errorResponse{Error: err.Error(), Prompt: prompt}
	case errors.Is(err, quota.ErrProvider):
		msg := strings.TrimPrefix(err.Error(), quota.ErrProvider.Error()+": ")
		return http.StatusBadGateway, errorResponse{Error: "Failed to get answer from AI. " + msg}
	case errors.Is(err, quota.ErrPaymentUnverified):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, quota.ErrPayment):
		return http.StatusPaymentRequired, errorResponse{Error: err.Error()}
	case errors.Is(err, quota.ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: "not found"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal server error"}
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) CatalogHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Catalog())
}

type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token    string        `json:"token"`
	Snapshot core.Snapshot `json:"snapshot"`
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.orch.SignUp(r.Context(), req.Email, req.Password, visitorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AuthResponse{Token: res.Token, Snapshot: h.orch.Snapshot(res.Session)})
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "email and password are required"})
		return
	}
	res, err := h.orch.SignIn(r.Context(), req.Email, req.Password, visitorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{Token: res.Token, Snapshot: h.orch.Snapshot(res.Session)})
}

func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	status, err := h.orch.SignOut(r.Context(), sessionFrom(r.Context()), visitorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	if sess := sessionFrom(r.Context()); sess != nil {
		writeJSON(w, http.StatusOK, h.orch.Snapshot(sess))
		return
	}
	status, err := h.orch.AnonymousStatus(r.Context(), visitorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, core.Snapshot{Status: status, History: []store.Conversation{}})
}

func (h *APIHandler) AnswerHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAnswerBodyBytes)
	var req core.AskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ans, err := h.orch.Ask(r.Context(), core.Caller{Session: sessionFrom(r.Context()), VisitorID: visitorFrom(r)}, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (h *APIHandler) ListHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	list, err := h.orch.History(r.Context(), sessionFrom(r.Context()), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *APIHandler) GetHistoryItemHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := h.orch.Conversation(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *APIHandler) ExportPDFHandler(w http.ResponseWriter, r *http.Request) {
	exp, err := h.orch.Export(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+exp.FileName+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(exp.PDF)))
	w.Header().Set("X-PDF-Exports-Remaining", strconv.Itoa(exp.Status.PDFExportsRemaining))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(exp.PDF); err != nil {
		h.log.Warn().Err(err).Msg("failed to write pdf response")
	}
}

func (h *APIHandler) CreatePremiumOrderHandler(w http.ResponseWriter, r *http.Request) {
	checkout, err := h.orch.StartUpgrade(r.Context(), sessionFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkout)
}

// VerifyPaymentRequest carries the fields the checkout widget hands back.
type VerifyPaymentRequest struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

func (h *APIHandler) VerifyPremiumPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "order id, payment id and signature are required"})
		return
	}
	status, err := h.orch.CompleteUpgrade(r.Context(), sessionFrom(r.Context()), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
