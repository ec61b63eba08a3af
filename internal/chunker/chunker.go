// Package chunker splits document text into overlapping fixed-size windows.
package chunker

import (
	"unicode/utf8"

	"github.com/xxxsen/scrapeindex/internal/model"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

const (
	DefaultSize    = 512
	DefaultOverlap = 128
)

// Config holds chunking configuration. Size and Overlap are in characters.
type Config struct {
	Size    int
	Overlap int
}

func DefaultConfig() Config {
	return Config{Size: DefaultSize, Overlap: DefaultOverlap}
}

func (c Config) Validate() error {
	if c.Size <= 0 {
		return appErr.Configurationf("chunk size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 {
		return appErr.Configurationf("chunk overlap must not be negative, got %d", c.Overlap)
	}
	if c.Overlap >= c.Size {
		return appErr.Configurationf("chunk overlap (%d) must be less than size (%d)", c.Overlap, c.Size)
	}
	return nil
}

// Window is one slice of the input, offsets are rune offsets.
type Window struct {
	Position int
	Start    int
	End      int
	Text     string
}

// Split slides a window of size runes over text, advancing size-overlap runes
// each time. The last window may be shorter than size. Empty text yields no
// windows.
func Split(text string, size, overlap int) ([]Window, error) {
	if err := (Config{Size: size, Overlap: overlap}).Validate(); err != nil {
		return nil, err
	}
	if text == "" {
		return []Window{}, nil
	}
	runes := []rune(text)
	n := len(runes)
	step := size - overlap
	windows := make([]Window, 0, (n+step-1)/step)
	for start := 0; start < n; start += step {
		end := start + size
		if end > n {
			end = n
		}
		windows = append(windows, Window{
			Position: len(windows),
			Start:    start,
			End:      end,
			Text:     string(runes[start:end]),
		})
		if end == n {
			break
		}
	}
	return windows, nil
}

type Chunker struct {
	cfg     Config
	counter TokenCounter
}

type Option func(*Chunker)

func WithTokenCounter(counter TokenCounter) Option {
	return func(c *Chunker) {
		if counter != nil {
			c.counter = counter
		}
	}
}

func New(cfg Config, opts ...Option) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Chunker{cfg: cfg, counter: RatioCounter{CharsPerToken: DefaultCharsPerToken}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Chunker) Config() Config {
	return c.cfg
}

// Chunk splits text with the configured window. JobID and VectorID are left
// for the caller to fill.
func (c *Chunker) Chunk(text string) ([]model.Chunk, error) {
	return c.ChunkWith(text, c.cfg)
}

// ChunkWith splits text with per-call parameters, validated again here since
// they may differ from the ones the chunker was built with.
func (c *Chunker) ChunkWith(text string, cfg Config) ([]model.Chunk, error) {
	windows, err := Split(text, cfg.Size, cfg.Overlap)
	if err != nil {
		return nil, err
	}
	chunks := make([]model.Chunk, 0, len(windows))
	for _, w := range windows {
		chunks = append(chunks, model.Chunk{
			Position:         w.Position,
			Text:             w.Text,
			StartOffset:      w.Start,
			EndOffset:        w.End,
			ApproxTokenCount: c.counter.Count(w.Text),
		})
	}
	return chunks, nil
}

func runeLen(text string) int {
	return utf8.RuneCountInString(text)
}
