package dlchat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizer_Tokenize(t *testing.T) {
	tests := []struct {
		name string
		opts TokenizerOptions
		line string
		want []string
	}{
		{
			name: "punctuation",
			opts: TokenizerOptions{Specials: DefaultSpecials, Lowercase: true},
			line: "Hello, World!",
			want: []string{"hello", ",", "world", "!"},
		},
		{
			name: "joiners",
			opts: TokenizerOptions{Specials: DefaultSpecials, Lowercase: true},
			line: "don't stop-motion",
			want: []string{"don't", "stop", "-", "motion"},
		},
		{
			name: "repeated specials",
			opts: TokenizerOptions{Specials: DefaultSpecials},
			line: "wait...what",
			want: []string{"wait", ".", ".", ".", "what"},
		},
		{
			name: "multibyte specials",
			opts: TokenizerOptions{Specials: DefaultSpecials, Lowercase: true},
			line: "«Oui» — non…",
			want: []string{"«", "oui", "»", "—", "non", "…"},
		},
		{
			name: "case kept",
			opts: TokenizerOptions{Specials: DefaultSpecials},
			line: "ABC def",
			want: []string{"ABC", "def"},
		},
		{
			name: "no specials",
			opts: TokenizerOptions{Lowercase: true},
			line: "hi, there.",
			want: []string{"hi,", "there."},
		},
		{
			name: "composed",
			opts: TokenizerOptions{Lowercase: true},
			line: "Cafe\u0301",
			want: []string{"caf\u00e9"},
		},
		{
			name: "whitespace",
			opts: TokenizerOptions{Specials: DefaultSpecials},
			line: " \t  \n",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := NewTokenizer(tt.opts)
			assert.Equalf(t, tt.want, tok.Tokenize(tt.line), "Tokenize(%q)", tt.line)
		})
	}
}

func TestTokenizer_TokensStopsEarly(t *testing.T) {
	tok := NewTokenizer(TokenizerOptions{Specials: DefaultSpecials})
	var got []string
	for token := range tok.Tokens("a, b, c, d") {
		got = append(got, token)
		if len(got) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"a", ",", "b"}, got)
}

func TestTokenizer_Specials(t *testing.T) {
	tok := NewTokenizer(TokenizerOptions{Specials: "..,!,"})
	assert.Equal(t, []string{".", ",", "!"}, tok.Specials())
	assert.Len(t, NewTokenizer(TokenizerOptions{Specials: DefaultSpecials}).Specials(), 32)
}
