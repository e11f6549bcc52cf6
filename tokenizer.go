package dlchat

import (
	"iter"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// DefaultSpecials are split into single-character tokens even when they are
// attached to a word. The first five are joiners, the rest punctuation.
const DefaultSpecials = "-\\/_&" + "!\"#$;%^:?*()[]{}<>«»,.–—=+…"

// TokenizerOptions configure a Tokenizer.
type TokenizerOptions struct {
	Specials  string
	Lowercase bool
}

// Tokenizer splits raw lines into words and special characters.
type Tokenizer struct {
	lowercase bool
	specials  []string
	isSpecial map[rune]bool
}

// NewTokenizer returns a Tokenizer for opts.
func NewTokenizer(opts TokenizerOptions) *Tokenizer {
	t := &Tokenizer{
		lowercase: opts.Lowercase,
		isSpecial: make(map[rune]bool),
	}
	for _, r := range opts.Specials {
		if t.isSpecial[r] {
			continue
		}
		t.isSpecial[r] = true
		t.specials = append(t.specials, string(r))
	}
	return t
}

// Specials returns the special characters in enumeration order, without
// duplicates.
func (t *Tokenizer) Specials() []string {
	return slices.Clone(t.specials)
}

// Tokens returns the tokens of line. The sequence can be ranged over any
// number of times.
func (t *Tokenizer) Tokens(line string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, word := range strings.Fields(t.normalize(line)) {
			start := 0
			for i, r := range word {
				if !t.isSpecial[r] {
					continue
				}
				if start < i && !yield(word[start:i]) {
					return
				}
				if !yield(string(r)) {
					return
				}
				start = i + utf8.RuneLen(r)
			}
			if start < len(word) && !yield(word[start:]) {
				return
			}
		}
	}
}

// Tokenize returns the tokens of line as a slice.
func (t *Tokenizer) Tokenize(line string) []string {
	return slices.Collect(t.Tokens(line))
}

func (t *Tokenizer) normalize(line string) string {
	line = norm.NFC.String(line)
	if t.lowercase {
		line = cases.Lower(language.Und).String(line)
	}
	return line
}
