package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate-ai/internal/domain"
	"estate-ai/internal/infra/config"
)

// graphFake records messages sent to the Graph API.
type graphFake struct {
	mu     sync.Mutex
	sent   []sendRequest
	auth   []string
	paths  []string
	status int
}

func (g *graphFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	g.mu.Lock()
	g.sent = append(g.sent, req)
	g.auth = append(g.auth, r.Header.Get("Authorization"))
	g.paths = append(g.paths, r.URL.Path)
	status := g.status
	g.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid token","code":190}}`)
		return
	}
	_, _ = io.WriteString(w, `{"messages":[{"id":"wamid.out"}]}`)
}

func (g *graphFake) messages() []sendRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sendRequest(nil), g.sent...)
}

func startWhatsApp(t *testing.T, handler domain.MessageHandler) (*WhatsAppChannel, *graphFake) {
	t.Helper()
	fake := &graphFake{}
	graph := httptest.NewServer(fake)
	t.Cleanup(graph.Close)

	ch := NewWhatsAppChannel(config.WhatsAppChannelConfig{
		Token:       "tok",
		PhoneID:     "12345",
		VerifyToken: "verify-me",
		APIVersion:  "v18.0",
		BaseURL:     graph.URL,
		WebhookAddr: "127.0.0.1:0",
	}, ServerOptions{}, slog.Default())
	require.NoError(t, ch.Start(context.Background(), handler))
	t.Cleanup(func() { _ = ch.Stop(context.Background()) })
	return ch, fake
}

func replyWith(prefix string) domain.MessageHandler {
	return func(_ context.Context, in domain.InboundMessage) (domain.OutboundMessage, error) {
		return domain.OutboundMessage{ConversationID: in.ConversationID, Content: prefix + in.Content}, nil
	}
}

func textPayload(msgID, waID, body string) string {
	return fmt.Sprintf(`{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "biz",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"wa_id": %q, "profile": {"name": "Asha"}}],
        "messages": [{"from": %q, "id": %q, "timestamp": "1700000000", "type": "text", "text": {"body": %q}}]
      }
    }]
  }]
}`, waID, waID, msgID, body)
}

func postWebhook(t *testing.T, addr, body string) *http.Response {
	t.Helper()
	resp, err := http.Post("http://"+addr+"/webhook", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWhatsAppVerification(t *testing.T) {
	ch, _ := startWhatsApp(t, replyWith(""))
	base := "http://" + ch.BoundAddr() + "/webhook"

	tests := []struct {
		name   string
		query  string
		status int
		body   string
	}{
		{"valid", "?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=abc", http.StatusOK, "abc"},
		{"wrong token", "?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=abc", http.StatusForbidden, ""},
		{"wrong mode", "?hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=abc", http.StatusForbidden, ""},
		{"missing params", "", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(base + tt.query)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.body != "" {
				b, _ := io.ReadAll(resp.Body)
				assert.Equal(t, tt.body, string(b))
			}
		})
	}
}

func TestWhatsAppRepliesToTextMessage(t *testing.T) {
	gotCh := make(chan domain.InboundMessage, 1)
	ch, graph := startWhatsApp(t, func(_ context.Context, in domain.InboundMessage) (domain.OutboundMessage, error) {
		gotCh <- in
		return domain.OutboundMessage{ConversationID: in.ConversationID, Content: "**3 listings** found【4:0†source】"}, nil
	})

	resp := postWebhook(t, ch.BoundAddr(), textPayload("wamid.1", "919800000001", "flats in Pune"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	got := <-gotCh
	assert.Equal(t, "919800000001", got.ConversationID)
	assert.Equal(t, "flats in Pune", got.Content)
	assert.Equal(t, "whatsapp", got.ChannelName)
	assert.Equal(t, "Asha", got.SenderName)
	assert.Equal(t, "wamid.1", got.Metadata["message_id"])

	sent := graph.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "whatsapp", sent[0].MessagingProduct)
	assert.Equal(t, "individual", sent[0].RecipientType)
	assert.Equal(t, "919800000001", sent[0].To)
	assert.Equal(t, "text", sent[0].Type)
	assert.False(t, sent[0].Text.PreviewURL)
	assert.Equal(t, "*3 listings* found", sent[0].Text.Body)
	assert.Equal(t, "Bearer tok", graph.auth[0])
	assert.Equal(t, "/v18.0/12345/messages", graph.paths[0])
}

func TestWhatsAppIgnoresDuplicateDelivery(t *testing.T) {
	var calls atomic.Int32
	ch, graph := startWhatsApp(t, func(_ context.Context, in domain.InboundMessage) (domain.OutboundMessage, error) {
		calls.Add(1)
		return domain.OutboundMessage{ConversationID: in.ConversationID, Content: "ok"}, nil
	})

	payload := textPayload("wamid.dup", "919800000001", "hello")
	postWebhook(t, ch.BoundAddr(), payload)
	resp := postWebhook(t, ch.BoundAddr(), payload)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, graph.messages(), 1)
}

func TestWhatsAppStatusUpdateAcknowledged(t *testing.T) {
	var calls atomic.Int32
	ch, graph := startWhatsApp(t, func(context.Context, domain.InboundMessage) (domain.OutboundMessage, error) {
		calls.Add(1)
		return domain.OutboundMessage{}, nil
	})

	body := `{"object":"whatsapp_business_account","entry":[{"id":"biz","changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.x","status":"delivered"}]}}]}]}`
	resp := postWebhook(t, ch.BoundAddr(), body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, calls.Load())
	assert.Empty(t, graph.messages())
}

func TestWhatsAppNonTextMessageIgnored(t *testing.T) {
	var calls atomic.Int32
	ch, _ := startWhatsApp(t, func(context.Context, domain.InboundMessage) (domain.OutboundMessage, error) {
		calls.Add(1)
		return domain.OutboundMessage{}, nil
	})

	body := `{"entry":[{"changes":[{"value":{"contacts":[{"wa_id":"91"}],"messages":[{"from":"91","id":"wamid.img","type":"image"}]}}]}]}`
	resp := postWebhook(t, ch.BoundAddr(), body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, calls.Load())
}

func TestWhatsAppInvalidJSON(t *testing.T) {
	ch, _ := startWhatsApp(t, replyWith(""))
	resp := postWebhook(t, ch.BoundAddr(), "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWhatsAppStoreOutageAsksForRedelivery(t *testing.T) {
	var calls atomic.Int32
	ch, graph := startWhatsApp(t, func(_ context.Context, in domain.InboundMessage) (domain.OutboundMessage, error) {
		if calls.Add(1) == 1 {
			return domain.OutboundMessage{Content: "generic", IsError: true}, domain.WrapOp("route", domain.ErrStoreUnavailable)
		}
		return domain.OutboundMessage{ConversationID: in.ConversationID, Content: "recovered"}, nil
	})

	payload := textPayload("wamid.retry", "919800000001", "hello")
	resp := postWebhook(t, ch.BoundAddr(), payload)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, graph.messages(), "no reply while the store is down")

	resp = postWebhook(t, ch.BoundAddr(), payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	sent := graph.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "recovered", sent[0].Text.Body)
}

func TestWhatsAppHandlerErrorSendsGenericReply(t *testing.T) {
	ch, graph := startWhatsApp(t, func(_ context.Context, in domain.InboundMessage) (domain.OutboundMessage, error) {
		return domain.OutboundMessage{ConversationID: in.ConversationID, Content: "try later", IsError: true}, domain.ErrProviderFailure
	})

	resp := postWebhook(t, ch.BoundAddr(), textPayload("wamid.err", "919800000001", "hello"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	sent := graph.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "try later", sent[0].Text.Body)
}

func TestWhatsAppSupersededSendsNothing(t *testing.T) {
	ch, graph := startWhatsApp(t, func(context.Context, domain.InboundMessage) (domain.OutboundMessage, error) {
		return domain.OutboundMessage{}, domain.ErrTurnSuperseded
	})

	resp := postWebhook(t, ch.BoundAddr(), textPayload("wamid.old", "919800000001", "hello"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, graph.messages())
}

func TestWhatsAppSendChunksLongReplies(t *testing.T) {
	ch, graph := startWhatsApp(t, replyWith(""))

	para := strings.Repeat("a", 3000)
	err := ch.Send(context.Background(), domain.OutboundMessage{ConversationID: "91", Content: para + "\n\n" + para})
	require.NoError(t, err)

	sent := graph.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, para, sent[0].Text.Body)
	assert.Equal(t, para, sent[1].Text.Body)
}

func TestWhatsAppSendSurfacesGraphError(t *testing.T) {
	ch, graph := startWhatsApp(t, replyWith(""))
	graph.mu.Lock()
	graph.status = http.StatusUnauthorized
	graph.mu.Unlock()

	err := ch.Send(context.Background(), domain.OutboundMessage{ConversationID: "91", Content: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
	assert.Contains(t, err.Error(), "invalid token")
}

func TestWhatsAppHealthz(t *testing.T) {
	ch, _ := startWhatsApp(t, replyWith(""))
	resp, err := http.Get("http://" + ch.BoundAddr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "whatsapp", ch.Name())
}
