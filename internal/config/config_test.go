package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()

	assert.Equal(t, DefaultTTL, cfg.TTL)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{TTL: 5 * time.Minute, ChunkSize: 512}.WithDefaults()

	assert.Equal(t, 5*time.Minute, cfg.TTL)
	assert.Equal(t, 512, cfg.ChunkSize)
}

func TestTokenLimitExplicitWins(t *testing.T) {
	cfg := Config{MaxTokens: 12345, ClientName: "cursor"}

	assert.Equal(t, 12345, cfg.TokenLimit())
}

func TestTokenLimitClientPresets(t *testing.T) {
	tests := []struct {
		client string
		want   int
	}{
		{"claude-code", 25000},
		{"claude-desktop", 25000},
		{"cursor", 30000},
		{"windsurf", 30000},
		{"cline", 20000},
		{"unknown-client", DefaultTokenLimit},
		{"", DefaultTokenLimit},
	}

	for _, tc := range tests {
		cfg := Config{ClientName: tc.client}
		assert.Equal(t, tc.want, cfg.TokenLimit(), "client %q", tc.client)
	}
}

func TestMaxResponseBytes(t *testing.T) {
	assert.Equal(t, 100000, Config{ClientName: "claude-code"}.MaxResponseBytes())
	assert.Equal(t, 120000, Config{ClientName: "cursor"}.MaxResponseBytes())

	// The absolute cap binds when the token budget converts to more bytes
	// than the protocol ceiling allows.
	assert.Equal(t, AbsoluteSizeCap, Config{MaxTokens: 10_000_000}.MaxResponseBytes())
}
