// Package chunking splits extracted document text into overlapping windows.
package chunking

import (
	"fmt"
	"iter"
	"slices"
	"unicode/utf8"
)

// Chunker produces fixed-size character windows where consecutive windows
// share exactly Overlap characters. Sizes are counted in runes.
type Chunker struct {
	size    int
	overlap int
}

func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the chunk sequence for text. The sequence is lazy and may be
// ranged over any number of times; an empty text yields nothing.
func (c *Chunker) Split(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if text == "" {
			return
		}
		offsets := runeOffsets(text)
		n := len(offsets) - 1
		step := c.size - c.overlap

		for start := 0; ; start += step {
			end := min(start+c.size, n)
			if !yield(text[offsets[start]:offsets[end]]) {
				return
			}
			if end == n {
				return
			}
		}
	}
}

// All collects Split into a slice.
func (c *Chunker) All(text string) []string {
	return slices.Collect(c.Split(text))
}

// runeOffsets returns the byte offset of every rune in s followed by len(s).
func runeOffsets(s string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(s)+1)
	for i := range s {
		offsets = append(offsets, i)
	}
	return append(offsets, len(s))
}
