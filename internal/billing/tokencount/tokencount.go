// Package tokencount implements provider-aware token counting: an exact
// BPE tokenizer path via tiktoken-go for providers it supports, and a
// chars-per-token approximation for the rest, plus the fixed per-message
// overhead constants used when counting a chat-style conversation.
package tokencount

import (
	"math"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"forge.control/internal/model"
)

// defaultCharsPerToken are the approximation divisors used for providers
// without an exact tokenizer.
var defaultCharsPerToken = map[model.Provider]float64{
	model.ProviderOpenAI:    4.0,
	model.ProviderAnthropic: 3.5,
	model.ProviderGoogle:    4.0,
	model.ProviderOther:     4.0,
}

// exactTokenizerProviders lists providers counted with a real BPE
// tokenizer rather than the character approximation.
var exactTokenizerProviders = map[model.Provider]bool{
	model.ProviderOpenAI: true,
}

const (
	imageTokens           = 85
	chatPrimingTokens     = 3
	perMessageOverheadDef = 3
	perMessageOverheadAlt = 4
)

// Message is a single chat turn, counted with role/content overhead.
type Message struct {
	Role        string
	Content     string
	ImageParts  int
}

// Counter counts tokens for raw text and chat-shaped conversations.
type Counter struct {
	charsPerToken map[model.Provider]float64

	mu  sync.Mutex
	enc map[string]*tiktoken.Tiktoken // encoding name -> cached encoder
}

func New() *Counter {
	return &Counter{
		charsPerToken: defaultCharsPerToken,
		enc:           make(map[string]*tiktoken.Tiktoken),
	}
}

// CountText counts a single block of text for the given provider.
func (c *Counter) CountText(text string, provider model.Provider) int {
	if exactTokenizerProviders[provider] {
		if n, ok := c.exactCount(text); ok {
			return n
		}
	}
	perChar := c.charsPerToken[provider]
	if perChar <= 0 {
		perChar = 4.0
	}
	return int(math.Ceil(float64(len(text)) / perChar))
}

func (c *Counter) exactCount(text string) (int, bool) {
	c.mu.Lock()
	enc, ok := c.enc["cl100k_base"]
	if !ok {
		var err error
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.mu.Unlock()
			return 0, false
		}
		c.enc["cl100k_base"] = enc
	}
	c.mu.Unlock()

	tokens := enc.Encode(text, nil, nil)
	return len(tokens), true
}

// CountMessages counts a chat conversation: each message contributes a
// fixed per-message overhead (4 tokens for OpenAI-style chat framing, 3
// otherwise), tokens for its role, tokens for its text content, a fixed
// 85 tokens per image part, plus a trailing 3-token priming constant.
func (c *Counter) CountMessages(messages []Message, provider model.Provider) int {
	overhead := perMessageOverheadDef
	if provider == model.ProviderOpenAI {
		overhead = perMessageOverheadAlt
	}

	total := 0
	for _, m := range messages {
		total += overhead
		total += c.CountText(m.Role, provider)
		total += c.CountText(m.Content, provider)
		total += m.ImageParts * imageTokens
	}
	total += chatPrimingTokens
	return total
}
