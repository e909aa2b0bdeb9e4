package generation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// WordBuffer rebuilds whole words from fragments that may split a word anywhere.
// The zero value is ready to use.
type WordBuffer struct {
	partial string
}

// Push adds a fragment and returns the words it completed, in order.
// Text after the last whitespace is held back until a later fragment or Flush.
func (b *WordBuffer) Push(fragment string) []string {
	text := b.partial + fragment
	i := strings.LastIndexFunc(text, unicode.IsSpace)
	if i < 0 {
		b.partial = text
		return nil
	}
	_, size := utf8.DecodeRuneInString(text[i:])
	b.partial = text[i+size:]
	return strings.Fields(text[:i])
}

// Flush returns the held-back word, if any, and resets the buffer.
func (b *WordBuffer) Flush() []string {
	words := strings.Fields(b.partial)
	b.partial = ""
	return words
}

// Partial returns the text held back so far.
func (b *WordBuffer) Partial() string {
	return b.partial
}
