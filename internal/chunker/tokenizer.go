package chunker

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultCharsPerToken approximates GPT style tokenizers.
const DefaultCharsPerToken = 4

// TokenCounter estimates how many tokens a piece of text costs. Counts are
// advisory and only used for reporting.
type TokenCounter interface {
	Count(text string) int
}

type RatioCounter struct {
	CharsPerToken int
}

func (r RatioCounter) Count(text string) int {
	per := r.CharsPerToken
	if per <= 0 {
		per = DefaultCharsPerToken
	}
	n := runeLen(text)
	return (n + per - 1) / per
}

type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (t *TiktokenCounter) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// NewTokenCounter builds the counter named in config: "ratio" (default) or
// "tiktoken".
func NewTokenCounter(name string, charsPerToken int) (TokenCounter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "ratio":
		return RatioCounter{CharsPerToken: charsPerToken}, nil
	case "tiktoken":
		return NewTiktokenCounter("")
	default:
		return nil, fmt.Errorf("unknown tokenizer: %s", name)
	}
}
