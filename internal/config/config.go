package config

import (
	"time"
)

const (
	// DefaultTTL is how long a parked response stays retrievable.
	DefaultTTL = 1 * time.Hour

	// DefaultChunkSize is the size in bytes of one sequential chunk of a
	// parked response's canonical rendering.
	DefaultChunkSize = 20000

	// DefaultTokenLimit is the assumed client token budget when neither a
	// preset nor an explicit limit applies.
	DefaultTokenLimit = 25000

	// AbsoluteSizeCap is the protocol ceiling on a response returned
	// directly to the client, regardless of the client token limit.
	AbsoluteSizeCap = 900000

	// bytesPerToken is the rough serialization ratio used to convert a
	// client token limit into a byte threshold.
	bytesPerToken = 4
)

// clientPresets maps known client names to their token budgets. Unknown
// clients fall back to DefaultTokenLimit.
var clientPresets = map[string]int{
	"claude-code":    25000,
	"claude-desktop": 25000,
	"cursor":         30000,
	"windsurf":       30000,
	"cline":          20000,
}

// Config is the immutable configuration threaded into the proxy at
// construction. It is a plain value: build one, hand it over, never mutate.
type Config struct {
	// TargetCommand is the target server executable and its arguments.
	TargetCommand []string

	// CacheDir is the directory holding parked response records.
	CacheDir string

	// TTL bounds how long a parked response stays retrievable.
	TTL time.Duration

	// ChunkSize is the byte length of one sequential chunk.
	ChunkSize int

	// MaxTokens overrides the client preset when positive.
	MaxTokens int

	// ClientName selects a token-limit preset when MaxTokens is zero.
	ClientName string

	// Debug enables verbose logging and target stderr surfacing.
	Debug bool
}

// WithDefaults returns a copy of c with zero-valued tunables replaced by
// their defaults.
func (c Config) WithDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}

	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}

	return c
}

// TokenLimit resolves the effective client token budget: an explicit
// MaxTokens wins, then the ClientName preset, then the default.
func (c Config) TokenLimit() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}

	if limit, ok := clientPresets[c.ClientName]; ok {
		return limit
	}

	return DefaultTokenLimit
}

// MaxResponseBytes is the size-gate threshold: responses measuring over this
// many bytes are parked in the store instead of returned directly.
func (c Config) MaxResponseBytes() int {
	return min(AbsoluteSizeCap, c.TokenLimit()*bytesPerToken)
}
