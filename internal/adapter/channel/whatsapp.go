package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/config"
)

const (
	whatsappName       = "whatsapp"
	defaultGraphURL    = "https://graph.facebook.com"
	defaultSendTimeout = 10 * time.Second

	// Meta redelivers a webhook it did not see acknowledged in time;
	// message ids seen within this window are processed once.
	dedupeSize = 1024
	dedupeTTL  = 30 * time.Minute
)

// WhatsAppChannel implements domain.Channel for the WhatsApp Cloud API.
// It serves the webhook for inbound messages and replies through the
// Graph API messages endpoint.
type WhatsAppChannel struct {
	cfg      config.WhatsAppChannelConfig
	graph    *resty.Client
	listener *listener
	handler  domain.MessageHandler
	logger   *slog.Logger

	seenMu sync.Mutex
	seen   *expirable.LRU[string, struct{}]
}

// NewWhatsAppChannel creates a WhatsApp channel.
func NewWhatsAppChannel(cfg config.WhatsAppChannelConfig, opts ServerOptions, logger *slog.Logger) *WhatsAppChannel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGraphURL
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook"
	}

	graph := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.Token).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.SendTimeout)

	return &WhatsAppChannel{
		cfg:      cfg,
		graph:    graph,
		listener: newListener(whatsappName, cfg.WebhookAddr, opts, logger),
		logger:   logger.With("channel", whatsappName),
		seen:     expirable.NewLRU[string, struct{}](dedupeSize, nil, dedupeTTL),
	}
}

// Start begins serving the webhook. Non-blocking.
func (w *WhatsAppChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	w.handler = handler
	return w.listener.start(ctx, func(mux *http.ServeMux) {
		mux.HandleFunc("GET "+w.cfg.WebhookPath, w.handleVerification)
		mux.HandleFunc("POST "+w.cfg.WebhookPath, w.handleIncoming)
	})
}

// Stop gracefully shuts down the webhook server.
func (w *WhatsAppChannel) Stop(ctx context.Context) error { return w.listener.stop(ctx) }

// Name implements domain.Channel.
func (w *WhatsAppChannel) Name() string { return whatsappName }

// BoundAddr returns the address the webhook is listening on.
func (w *WhatsAppChannel) BoundAddr() string { return w.listener.boundAddr() }

// handleVerification answers Meta's subscription challenge.
func (w *WhatsAppChannel) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, token, challenge := q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge")

	if mode == "" || token == "" {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"status": "error", "message": "missing parameters"})
		return
	}
	if mode != "subscribe" || token != w.cfg.VerifyToken {
		w.logger.Warn("webhook verification failed")
		writeJSON(rw, http.StatusForbidden, map[string]string{"status": "error", "message": "verification failed"})
		return
	}
	w.logger.Info("webhook verified")
	rw.Header().Set("Content-Type", "text/plain")
	rw.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(rw, challenge)
}

// handleIncoming processes a webhook delivery. Status updates and
// unsupported message types are acknowledged without a reply. A store
// outage answers 503 so that Meta redelivers the message later.
func (w *WhatsAppChannel) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"status": "error", "message": "unreadable body"})
		return
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("invalid webhook json", "error", err)
		writeJSON(rw, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid JSON provided"})
		return
	}

	// The reply is sent after the model answers; a client hang-up must not
	// abort the turn.
	ctx := context.WithoutCancel(r.Context())
	for _, in := range payload.textMessages(w.logger) {
		if err := w.process(ctx, in); err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": "error", "message": "try again later"})
			return
		}
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

// process runs one message through the handler and sends the reply. Only
// a store outage is returned; every other failure ends in a reply or a log.
func (w *WhatsAppChannel) process(ctx context.Context, in inboundText) error {
	if !w.markSeen(in.messageID) {
		w.logger.Debug("duplicate delivery ignored", "message_id", in.messageID)
		return nil
	}

	out, err := w.handler(ctx, domain.InboundMessage{
		ConversationID: in.waID,
		Content:        in.body,
		ChannelName:    whatsappName,
		SenderID:       in.waID,
		SenderName:     in.name,
		Metadata:       map[string]string{"message_id": in.messageID},
	})
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			w.forget(in.messageID)
			w.logger.Error("conversation store unavailable, asking for redelivery", "error", err)
			return err
		}
		w.logger.Warn("message handling failed", "wa_id", in.waID, "error", err)
	}
	if out.Content == "" {
		return nil
	}
	if err := w.Send(ctx, out); err != nil {
		w.logger.Error("reply not delivered", "wa_id", in.waID, "error", err)
	}
	return nil
}

func (w *WhatsAppChannel) markSeen(id string) bool {
	if id == "" {
		return true
	}
	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	if w.seen.Contains(id) {
		return false
	}
	w.seen.Add(id, struct{}{})
	return true
}

func (w *WhatsAppChannel) forget(id string) {
	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	w.seen.Remove(id)
}

// Send delivers a text reply to msg.ConversationID, which is the
// recipient's wa_id. Long replies are split across several messages.
func (w *WhatsAppChannel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	for _, part := range chunkText(FormatForWhatsApp(msg.Content), whatsappTextLimit) {
		var apiErr graphError
		resp, err := w.graph.R().
			SetContext(ctx).
			SetPathParams(map[string]string{
				"version":  w.cfg.APIVersion,
				"phone_id": w.cfg.PhoneID,
			}).
			SetBody(sendRequest{
				MessagingProduct: "whatsapp",
				RecipientType:    "individual",
				To:               msg.ConversationID,
				Type:             "text",
				Text:             sendText{Body: part},
			}).
			SetError(&apiErr).
			Post("/{version}/{phone_id}/messages")
		if err != nil {
			return fmt.Errorf("whatsapp send: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("whatsapp send: HTTP %d: %s", resp.StatusCode(), apiErr.Error.Message)
		}
	}
	w.logger.Debug("reply sent", "wa_id", msg.ConversationID)
	return nil
}

// --- Cloud API payloads ---

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID      string          `json:"id"`
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Contacts         []webhookContact  `json:"contacts"`
	Messages         []webhookMessage  `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type webhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

type inboundText struct {
	waID      string
	name      string
	messageID string
	body      string
}

// textMessages flattens entry → changes → value.messages into the text
// messages worth answering.
func (p webhookPayload) textMessages(logger *slog.Logger) []inboundText {
	var out []inboundText
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if len(v.Messages) == 0 {
				if len(v.Statuses) > 0 {
					logger.Debug("status update ignored", "count", len(v.Statuses))
				}
				continue
			}
			for _, m := range v.Messages {
				if m.Type != "text" || m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
					logger.Debug("unsupported message ignored", "type", m.Type)
					continue
				}
				in := inboundText{waID: m.From, messageID: m.ID, body: m.Text.Body}
				for _, c := range v.Contacts {
					if c.WaID == m.From || m.From == "" {
						in.waID, in.name = c.WaID, c.Profile.Name
						break
					}
				}
				if in.waID == "" {
					continue
				}
				out = append(out, in)
			}
		}
	}
	return out
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}
