package inbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"google.golang.org/api/idtoken"

	"github.com/dropocol/coldjot/internal/pkg/logger"
	"github.com/dropocol/coldjot/internal/store"
)

// Processor consumes one verified push notification. *Pipeline
// implements it; tests substitute a fake.
type Processor interface {
	Process(ctx context.Context, userID uuid.UUID, historyID uint64) error
}

// Handler serves the Pub/Sub push endpoint.
type Handler struct {
	store     *store.Store
	processor Processor
	audience  string
	verify    func(ctx context.Context, token, audience string) error
	log       *logger.Logger
}

// NewHandler creates the push handler. audience is the expected JWT
// audience configured on the Pub/Sub subscription.
func NewHandler(st *store.Store, processor Processor, audience string) *Handler {
	return &Handler{
		store:     st,
		processor: processor,
		audience:  audience,
		verify: func(ctx context.Context, token, audience string) error {
			_, err := idtoken.Validate(ctx, token, audience)
			return err
		},
		log: logger.New("inbound"),
	}
}

// SetVerifier replaces the JWT verifier. Tests inject a stub.
func (h *Handler) SetVerifier(fn func(ctx context.Context, token, audience string) error) {
	h.verify = fn
}

// Routes mounts the push endpoint.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/gmail/notifications", h.handlePush)
}

// pushEnvelope is the Pub/Sub push wrapper.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// pushData is the Gmail notification inside the envelope.
type pushData struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	if err := h.verify(r.Context(), token, h.audience); err != nil {
		h.log.Warn("push token rejected", "error", err.Error())
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var envelope pushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		http.Error(w, "malformed data", http.StatusBadRequest)
		return
	}
	var data pushData
	if err := json.Unmarshal(raw, &data); err != nil || data.EmailAddress == "" {
		http.Error(w, "malformed notification", http.StatusBadRequest)
		return
	}

	acct, err := h.store.GetOAuthAccountByEmail(r.Context(), data.EmailAddress)
	if err != nil {
		h.log.Error("account lookup failed", "email", data.EmailAddress, "error", err.Error())
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if acct == nil {
		http.Error(w, "unknown account", http.StatusNotFound)
		return
	}

	if err := h.processor.Process(r.Context(), acct.UserID, data.HistoryID); err != nil {
		h.log.Error("push processing failed", "email", data.EmailAddress, "error", err.Error())
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	h.log.Info("push processed", "email", data.EmailAddress, "historyId", data.HistoryID)
	w.WriteHeader(http.StatusOK)
}
