package agents

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"testforge/backend/internal/logging"
)

// TokenCounter estimates how many tokens a text costs.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter assumes one token per four bytes of text.
type HeuristicCounter struct{}

// Count implements TokenCounter.
func (HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// TiktokenCounter counts tokens with a BPE encoding. The encoding is loaded
// lazily on first use; if it cannot be loaded the counter falls back to
// HeuristicCounter.
type TiktokenCounter struct {
	encoding string
	logger   *logging.Logger

	once sync.Once
	tkm  *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter for the named encoding, e.g. cl100k_base.
func NewTiktokenCounter(encoding string, logger *logging.Logger) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &TiktokenCounter{encoding: encoding, logger: logger}
}

func (c *TiktokenCounter) tokenizer() *tiktoken.Tiktoken {
	c.once.Do(func() {
		tkm, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.logger.Warn("Failed to load tiktoken encoding, falling back to heuristic",
				"encoding", c.encoding, "error", err)
			return
		}
		c.tkm = tkm
	})
	return c.tkm
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if tkm := c.tokenizer(); tkm != nil {
		return len(tkm.Encode(text, nil, nil))
	}
	return HeuristicCounter{}.Count(text)
}
