// Package config holds the single Config struct every other package reads
// its tunables from; components receive only the fields they need rather
// than long positional constructor argument lists.
package config

// Config is read once at Engine construction.
type Config struct {
	MaxBatchRequests  int
	MaxPrefillTokens  int
	MaxDecodeTokens   int
	TotalTokenBudget  int
	DecodePriority    bool
	BlockSizeTokens   int
	NumBlocks         int
	SlidingWindowSize int // 0 means disabled
	MaxContextTokens  int

	// SubmitQueueHighWaterMark bounds the number of requests the engine
	// will hold admitted-but-unfinished (waiting, prefilling or decoding)
	// at once; submissions past it fail fast rather than block.
	SubmitQueueHighWaterMark int
}

// Option mutates a Config during construction.
type Option func(*Config)

// New builds a Config with defaults, overridden by opts.
func New(numBlocks, maxContextTokens int, opts ...Option) Config {
	cfg := Config{
		MaxBatchRequests: 64,
		MaxPrefillTokens: 4096,
		MaxDecodeTokens:  64,
		TotalTokenBudget: 4096,
		DecodePriority:   true,
		BlockSizeTokens:  32,
		NumBlocks:        numBlocks,
		MaxContextTokens: maxContextTokens,

		SubmitQueueHighWaterMark: 256,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithMaxBatchRequests(v int) Option { return func(c *Config) { c.MaxBatchRequests = v } }

func WithMaxPrefillTokens(v int) Option { return func(c *Config) { c.MaxPrefillTokens = v } }

func WithMaxDecodeTokens(v int) Option { return func(c *Config) { c.MaxDecodeTokens = v } }

func WithTotalTokenBudget(v int) Option { return func(c *Config) { c.TotalTokenBudget = v } }

func WithDecodePriority(v bool) Option { return func(c *Config) { c.DecodePriority = v } }

// WithBlockSizeTokens accepts only the two supported block sizes, 16 and
// 32; other values leave the default in place.
func WithBlockSizeTokens(v int) Option {
	return func(c *Config) {
		if v == 16 || v == 32 {
			c.BlockSizeTokens = v
		}
	}
}

func WithSlidingWindowSize(v int) Option { return func(c *Config) { c.SlidingWindowSize = v } }

func WithSubmitQueueHighWaterMark(v int) Option {
	return func(c *Config) { c.SubmitQueueHighWaterMark = v }
}
