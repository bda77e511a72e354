package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostUSD(t *testing.T) {
	usage := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}

	assert.InDelta(t, 18.0, costUSD("claude-sonnet-4-5", usage), 1e-9)
	assert.InDelta(t, 90.0, costUSD("claude-opus-4", usage), 1e-9)
	assert.InDelta(t, 4.80, costUSD("claude-haiku-3-5", usage), 1e-9)
	assert.Zero(t, costUSD("some-unknown-model", usage))
}
