package history

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Offline BPE loader so token counting never reaches the network.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// TokenCounter counts model tokens in text. Exactness is not required by the
// assembler; counts only need to be stable for a given input.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with the cl100k_base encoding.
type TiktokenCounter struct {
	mu       sync.RWMutex
	encoding *tiktoken.Tiktoken
}

var (
	tiktokenInstance *TiktokenCounter
	tiktokenOnce     sync.Once
	tiktokenErr      error
)

// NewTiktokenCounter returns the shared tiktoken counter. The encoding is
// loaded once; callers should fall back to HeuristicCounter on error.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	tiktokenOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			tiktokenErr = fmt.Errorf("loading cl100k_base encoding: %w", err)
			return
		}
		tiktokenInstance = &TiktokenCounter{encoding: enc}
	})
	if tiktokenErr != nil {
		return nil, tiktokenErr
	}
	return tiktokenInstance, nil
}

// Count returns the number of tokens in text.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.encoding.Encode(text, nil, nil))
}

// HeuristicCounter estimates tokens as rune count divided by 2, a
// conservative estimate that works for both English (~4 chars/token) and
// CJK (~1.5 chars/token) text.
type HeuristicCounter struct{}

// Count returns the estimated number of tokens in text.
func (HeuristicCounter) Count(text string) int {
	return utf8.RuneCountInString(text) / 2
}

// NewCounter returns the tiktoken counter when available, otherwise the
// heuristic fallback.
func NewCounter() TokenCounter {
	if c, err := NewTiktokenCounter(); err == nil {
		return c
	}
	return HeuristicCounter{}
}
