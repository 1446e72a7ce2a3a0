// Package httpapi exposes the advisory and payment endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/auth"
	"github.com/counsel-ai/counsel/internal/billing"
	"github.com/counsel-ai/counsel/internal/orchestrator"
	"github.com/counsel-ai/counsel/internal/payments"
)

// Service is the orchestration surface the API exposes.
type Service interface {
	Run(ctx context.Context, accountID, conversationID, query string) (*orchestrator.Result, error)
	Balance(ctx context.Context, accountID string) (int64, error)
	ApplyPayment(ctx context.Context, in payments.Intent) error
}

// Handler serves the public API.
type Handler struct {
	service  Service
	verifier *auth.Verifier
	logger   *zap.Logger
}

func NewHandler(service Service, verifier *auth.Verifier, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, verifier: verifier, logger: logger}
}

// RegisterRoutes registers API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/counsel", h.handleCounsel)
	mux.HandleFunc("/v1/balance", h.handleBalance)
	mux.HandleFunc("/v1/payments/webhook", h.handlePaymentWebhook)
	mux.HandleFunc("/healthz", h.handleHealth)
}

// NewServer builds an http.Server with sane timeouts around the handler.
// Advisory rounds fan out several model calls, so the write timeout is
// generous.
func NewServer(addr string, h *Handler) *http.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

type counselRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type taskResultView struct {
	Answer  string `json:"answer"`
	Summary string `json:"summary,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
}

type counselResponse struct {
	ConversationID string                    `json:"conversation_id"`
	Response       string                    `json:"response"`
	TaskResults    map[string]taskResultView `json:"task_results,omitempty"`
	ResolverMeta   map[string]string         `json:"resolver_meta,omitempty"`
	BalanceTenths  int64                     `json:"balance_tenths"`
}

func (h *Handler) handleCounsel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	accountID, err := h.verifier.VerifyRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
		return
	}

	var req counselRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	res, err := h.service.Run(r.Context(), accountID, req.ConversationID, req.Query)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrPaymentRequired):
			writeError(w, http.StatusPaymentRequired, "insufficient balance")
		case errors.Is(err, billing.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		default:
			h.logger.Error("counsel request failed",
				zap.String("account_id", accountID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, toCounselResponse(res))
}

func toCounselResponse(res *orchestrator.Result) counselResponse {
	out := counselResponse{
		ConversationID: res.ConversationID,
		Response:       res.FinalResponse,
		ResolverMeta:   res.ResolverMeta,
		BalanceTenths:  res.Balance,
	}
	if len(res.TaskResults) > 0 {
		out.TaskResults = make(map[string]taskResultView, len(res.TaskResults))
		for id, tr := range res.TaskResults {
			out.TaskResults[id] = taskResultView{
				Answer:  tr.Answer,
				Summary: tr.Summary,
				Failed:  tr.Failed,
			}
		}
	}
	return out
}

type balanceResponse struct {
	AccountID     string `json:"account_id"`
	BalanceTenths int64  `json:"balance_tenths"`
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	accountID, err := h.verifier.VerifyRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
		return
	}

	balance, err := h.service.Balance(r.Context(), accountID)
	if err != nil {
		h.logger.Error("balance lookup failed",
			zap.String("account_id", accountID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{AccountID: accountID, BalanceTenths: balance})
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Amount   int64             `json:"amount"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var ev webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	var status string
	switch ev.Type {
	case "payment_intent.succeeded":
		status = payments.StatusSucceeded
	case "payment_intent.payment_failed":
		status = payments.StatusFailed
	default:
		// Acknowledge so the provider stops redelivering event types we do
		// not consume.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	in := payments.Intent{
		IntentID:    ev.Data.Object.ID,
		EventID:     ev.ID,
		AmountCents: ev.Data.Object.Amount,
		Status:      status,
		Metadata:    ev.Data.Object.Metadata,
	}
	if err := h.service.ApplyPayment(r.Context(), in); err != nil {
		if errors.Is(err, payments.ErrMissingAccount) {
			writeError(w, http.StatusBadRequest, "event has no account reference")
			return
		}
		h.logger.Error("payment webhook failed",
			zap.String("event_id", ev.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
