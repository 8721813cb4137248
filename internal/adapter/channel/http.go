package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/config"
	"estate-ai/internal/usecase"
)

const (
	webhookName           = "webhook"
	defaultConversationID = "default"
)

type webhookRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type webhookResponse struct {
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WebhookChannel implements domain.Channel for a plain JSON webhook: one
// POST carries one message and the reply comes back in the response body.
type WebhookChannel struct {
	cfg      config.WebhookChannelConfig
	listener *listener
	handler  domain.MessageHandler
	logger   *slog.Logger
}

// NewWebhookChannel creates a JSON webhook channel.
func NewWebhookChannel(cfg config.WebhookChannelConfig, opts ServerOptions, logger *slog.Logger) *WebhookChannel {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	return &WebhookChannel{
		cfg:      cfg,
		listener: newListener(webhookName, cfg.Addr, opts, logger),
		logger:   logger.With("channel", webhookName),
	}
}

// Start begins the HTTP server. Non-blocking.
func (h *WebhookChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	h.handler = handler
	return h.listener.start(ctx, func(mux *http.ServeMux) {
		mux.HandleFunc("POST "+h.cfg.Path, h.handleMessage)
	})
}

// Stop gracefully shuts down the server.
func (h *WebhookChannel) Stop(ctx context.Context) error { return h.listener.stop(ctx) }

// Name implements domain.Channel.
func (h *WebhookChannel) Name() string { return webhookName }

// BoundAddr returns the address the server is listening on.
func (h *WebhookChannel) BoundAddr() string { return h.listener.boundAddr() }

func (h *WebhookChannel) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "error", Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "error", Error: "message is required"})
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = defaultConversationID
	}

	out, err := h.handler(r.Context(), domain.InboundMessage{
		ConversationID: req.ConversationID,
		Content:        req.Message,
		ChannelName:    webhookName,
		SenderID:       r.RemoteAddr,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{Status: "ok", Response: out.Content})
	case errors.Is(err, domain.ErrTurnSuperseded):
		writeJSON(w, http.StatusConflict, webhookResponse{Status: "superseded"})
	case errors.Is(err, domain.ErrInvalidConvID):
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "error", Error: "invalid conversation_id"})
	default:
		h.logger.Error("webhook turn failed", "conversation_id", req.ConversationID, "error", err)
		reply := out.Content
		if reply == "" {
			reply = usecase.GenericErrorReply
		}
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Status: "error", Response: reply})
	}
}
