// Package tokens estimates token counts with tiktoken when a model provider
// does not report usage.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding is used for models with no known encoding.
const DefaultEncoding = "cl100k_base"

// Encodings by model prefix, longest first so "gpt-4o" wins over "gpt-4".
var modelPrefixes = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"gpt-4.1", "o200k_base"},
	{"gpt-4.5", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"o4", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
	{"text-embedding", "cl100k_base"},
}

// EncodingForModel returns the tiktoken encoding name for model.
func EncodingForModel(model string) string {
	m := strings.ToLower(model)
	for _, p := range modelPrefixes {
		if strings.HasPrefix(m, p.prefix) {
			return p.encoding
		}
	}
	return DefaultEncoding
}

// Counter counts tokens, caching loaded encodings. Safe for concurrent use.
type Counter struct {
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

// NewCounter creates a counter.
func NewCounter(logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{logger: logger, cache: make(map[string]*tiktoken.Tiktoken)}
}

func (c *Counter) encoding(name string) (*tiktoken.Tiktoken, error) {
	c.mu.RLock()
	enc, ok := c.cache[name]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[name]; ok {
		return enc, nil
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %q: %w", name, err)
	}
	c.cache[name] = enc
	return enc, nil
}

// CountForModel counts the tokens of text as model would see them.
func (c *Counter) CountForModel(text, model string) (int, error) {
	enc, err := c.encoding(EncodingForModel(model))
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// EstimateForModel is CountForModel falling back to a 4-bytes-per-token
// approximation when the encoding cannot be loaded.
func (c *Counter) EstimateForModel(text, model string) int {
	n, err := c.CountForModel(text, model)
	if err != nil {
		c.logger.Debug("Token count fell back to approximation", zap.String("model", model), zap.Error(err))
		return (len(text) + 3) / 4
	}
	return n
}
