package dlchat

import (
	"strings"
	"testing"
	"testing/iotest"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const movieLines = "L1045 +++$+++ u0 +++$+++ m0 +++$+++ BIANCA +++$+++ They do not!\n" +
	"L1044 +++$+++ u2 +++$+++ m0 +++$+++ CAMERON +++$+++ They do to!\n" +
	"broken line\n" +
	"L985 +++$+++ u0 +++$+++ m0 +++$+++ BIANCA +++$+++ I hope so.\r\n"

func TestLineFormat_Text(t *testing.T) {
	movie := DefaultConfig().LineFormat()
	tests := []struct {
		name   string
		format LineFormat
		line   string
		want   string
		wantOk bool
	}{
		{"plain", PlainLines, "  just text ", "  just text ", true},
		{"movie", movie, "L1 +++$+++ u0 +++$+++ m0 +++$+++ BIANCA +++$+++ Hi there", "Hi there", true},
		{"movie too few fields", movie, "L1 +++$+++ u0", "", false},
		{"last field", LineFormat{Separator: "|", TextField: -1}, "a|b|c", "c", true},
		{"negative out of range", LineFormat{Separator: "|", TextField: -4}, "a|b|c", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.format.Text(tt.line)
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcessLines(t *testing.T) {
	tok := NewTokenizer(TokenizerOptions{Specials: DefaultSpecials, Lowercase: true})
	var lines [][]string
	err := ProcessLines(strings.NewReader(movieLines), DefaultConfig().LineFormat(), tok, func(tokens []string) error {
		lines = append(lines, tokens)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"they", "do", "not", "!"},
		{"they", "do", "to", "!"},
		{"i", "hope", "so", "."},
	}, lines)
}

func TestProcessLines_Errors(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := ProcessLines(strings.NewReader("a\nb\nc\n"), PlainLines, plainTokenizer, func([]string) error {
		calls++
		return stop
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, 1, calls)

	err = ProcessLines(iotest.ErrReader(errors.New("disk on fire")), PlainLines, plainTokenizer, func([]string) error {
		return nil
	})
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "read", ioErr.Op)
}

func TestEncodeCorpus(t *testing.T) {
	corpus := "hello there\n\nthis line is far too long to keep\nhow are you\n   \n"
	v := buildVocabulary(t, corpus, plainTokenizer, 100)

	first, err := EncodeCorpus(strings.NewReader(corpus), PlainLines, plainTokenizer, v, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Len())
	assert.Equal(t, 3, first.Rejected)
	assert.Equal(t, []string{"hello", "there"}, v.Decode(first.Lines[0]))

	second, err := EncodeCorpus(strings.NewReader(corpus), PlainLines, plainTokenizer, v, 5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadDataset(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := DefaultConfig()
	cfg.CorpusPath = "/data/movie_lines.txt"
	cfg.VocabularyPath = "/data/dictionary.txt"
	cfg.Specials = "!."
	require.NoError(t, afero.WriteFile(fs, cfg.CorpusPath, []byte(movieLines), 0o644))

	ds, err := LoadDataset(fs, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Corpus.Len())
	assert.Equal(t, 0, ds.Corpus.Rejected)

	dict, err := afero.ReadFile(fs, cfg.VocabularyPath)
	require.NoError(t, err)
	assert.Equal(t, "<unk>\n<eos>\n<go>\n!\n.\ndo\nthey\nhope\ni\nnot\nso\nto\n", string(dict))

	ids, ok := ds.EncodeLine("They hope Cameron!")
	require.True(t, ok)
	assert.Equal(t, []string{"they", "hope", "<unk>", "!"}, ds.Vocabulary.Decode(ids))

	_, ok = ds.EncodeLine("   ")
	assert.False(t, ok)
}

func TestLoadDataset_MissingCorpus(t *testing.T) {
	cfg := DefaultConfig()
	_, err := LoadDataset(afero.NewMemMapFs(), cfg, nil)
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, cfg.CorpusPath, ioErr.Path)
}
