package dlchat

import (
	"bufio"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Reserved token ids.
const (
	UnknownID int32 = 0
	EOSID     int32 = 1
	GoID      int32 = 2
)

var reservedTokens = []string{"<unk>", "<eos>", "<go>"}

// TokenCount is a corpus token and the number of times it occurs.
type TokenCount struct {
	Token string
	Count int
}

// Vocabulary maps tokens to dense integer ids and back. It is built once by
// BuildVocabulary and never modified afterwards.
type Vocabulary struct {
	tokens   []string
	ids      map[string]int32
	reserved int
	ranked   []TokenCount
}

// BuildVocabulary scans the corpus in r once and returns a vocabulary of at
// most maxSize tokens. The reserved tokens and the tokenizer's specials come
// first, followed by corpus tokens ordered by descending frequency with ties
// broken lexicographically. The same corpus and maxSize always produce the
// same ids, so the vocabulary never needs to be saved.
func BuildVocabulary(r io.Reader, format LineFormat, tok *Tokenizer, maxSize int) (*Vocabulary, error) {
	v := &Vocabulary{ids: make(map[string]int32)}
	for _, t := range reservedTokens {
		v.add(t)
	}
	for _, t := range tok.Specials() {
		v.add(t)
	}
	v.reserved = len(v.tokens)

	freqs := make(map[string]int)
	err := ProcessLines(r, format, tok, func(tokens []string) error {
		for _, t := range tokens {
			if _, ok := v.ids[t]; ok {
				continue
			}
			freqs[t]++
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error counting corpus tokens")
	}

	v.ranked = rankTokens(freqs)
	for _, tc := range v.ranked {
		if len(v.tokens) >= maxSize {
			break
		}
		v.add(tc.Token)
	}
	return v, nil
}

// rankTokens orders tokens by descending count, then ascending token.
func rankTokens(freqs map[string]int) []TokenCount {
	ranked := make([]TokenCount, 0, len(freqs))
	for t, c := range freqs {
		ranked = append(ranked, TokenCount{Token: t, Count: c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Token < ranked[j].Token
	})
	return ranked
}

func (v *Vocabulary) add(token string) {
	if _, ok := v.ids[token]; ok {
		return
	}
	v.ids[token] = int32(len(v.tokens))
	v.tokens = append(v.tokens, token)
}

// Size is the number of tokens, reserved ones included.
func (v *Vocabulary) Size() int { return len(v.tokens) }

// Reserved is the number of reserved tokens at the start of the id range.
func (v *Vocabulary) Reserved() int { return v.reserved }

// ID returns the id of token.
func (v *Vocabulary) ID(token string) (int32, bool) {
	id, ok := v.ids[token]
	return id, ok
}

// Token returns the token with the given id, or <unk> when id is out of
// range.
func (v *Vocabulary) Token(id int32) string {
	if id < 0 || int(id) >= len(v.tokens) {
		return v.tokens[UnknownID]
	}
	return v.tokens[id]
}

// Encode maps tokens to ids, replacing tokens outside the vocabulary with
// <unk>.
func (v *Vocabulary) Encode(tokens []string) []int32 {
	ids := make([]int32, len(tokens))
	for i, t := range tokens {
		id, ok := v.ids[t]
		if !ok {
			id = UnknownID
		}
		ids[i] = id
	}
	return ids
}

// Decode maps ids back to tokens.
func (v *Vocabulary) Decode(ids []int32) []string {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		tokens[i] = v.Token(id)
	}
	return tokens
}

// Ranked returns every distinct non-reserved corpus token in rank order,
// including the ones that did not fit in the vocabulary.
func (v *Vocabulary) Ranked() []TokenCount {
	return v.ranked
}

// WriteRanked writes the ranked corpus tokens to w, one per line.
func (v *Vocabulary) WriteRanked(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, tc := range v.ranked {
		if _, err := bw.WriteString(tc.Token + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteTokens writes the vocabulary to w in id order, one token per line.
func (v *Vocabulary) WriteTokens(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, t := range v.tokens {
		if _, err := bw.WriteString(t + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}
