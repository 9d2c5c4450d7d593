package tokencount

import (
	"testing"

	"github.com/stretchr/testify/require"

	"forge.control/internal/model"
)

func TestCountTextApproximationForNonTokenizedProvider(t *testing.T) {
	c := New()
	n := c.CountText("0123456789012345678901234567890123456789", model.ProviderAnthropic) // 40 chars
	require.Equal(t, 12, n, "ceil(40/3.5) == 12")
}

func TestCountTextExactForOpenAI(t *testing.T) {
	c := New()
	n := c.CountText("hello world", model.ProviderOpenAI)
	require.Greater(t, n, 0)
}

func TestCountMessagesIncludesOverheadAndPriming(t *testing.T) {
	c := New()
	msgs := []Message{{Role: "user", Content: "hi", ImageParts: 1}}
	n := c.CountMessages(msgs, model.ProviderAnthropic)
	// overhead(3) + role tokens + content tokens + image(85) + priming(3)
	require.Greater(t, n, 85+3+3)
}
