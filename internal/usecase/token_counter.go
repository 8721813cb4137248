package usecase

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"estate-ai/internal/domain"
)

// perMessageOverhead approximates the role and separator tokens the chat
// format adds around every message.
const perMessageOverhead = 4

// TokenCounter estimates prompt size with tiktoken. When no encoding can be
// loaded for the model it falls back to a len/4 heuristic.
type TokenCounter struct {
	model  string
	logger *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter for the given model name. The encoding is
// resolved lazily on first use.
func NewTokenCounter(model string, logger *slog.Logger) *TokenCounter {
	return &TokenCounter{model: model, logger: logger}
}

func (c *TokenCounter) encoding() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(c.model)
		if err != nil {
			enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		}
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("tiktoken unavailable, using heuristic token count", "model", c.model, "error", err)
			}
			return
		}
		c.enc = enc
	})
	return c.enc
}

// CountMessages implements domain.TokenCounter.
func (c *TokenCounter) CountMessages(msgs []domain.Message) int {
	enc := c.encoding()
	if enc == nil {
		return HeuristicTokenCounter{}.CountMessages(msgs)
	}
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + len(enc.Encode(m.Content, nil, nil))
		for _, tc := range m.ToolCalls {
			total += len(enc.Encode(tc.Name, nil, nil)) + len(enc.Encode(string(tc.Arguments), nil, nil))
		}
	}
	return total
}

// HeuristicTokenCounter estimates four bytes per token.
type HeuristicTokenCounter struct{}

// CountMessages implements domain.TokenCounter.
func (HeuristicTokenCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		n := len(m.Content)
		for _, tc := range m.ToolCalls {
			n += len(tc.Name) + len(tc.Arguments)
		}
		total += perMessageOverhead + (n+3)/4
	}
	return total
}

var _ domain.TokenCounter = (*TokenCounter)(nil)
var _ domain.TokenCounter = HeuristicTokenCounter{}
