package dlchat

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const maxLineBytes = 1 << 20

// LineFormat describes where the text of a corpus line is. With an empty
// Separator the whole line is text; otherwise the line is split on Separator
// and field TextField holds the text (negative values count from the end).
type LineFormat struct {
	Separator string
	TextField int
}

// PlainLines is the format of a corpus with one utterance per line.
var PlainLines = LineFormat{}

// Text extracts the utterance from line. ok is false when line has too few
// fields.
func (f LineFormat) Text(line string) (text string, ok bool) {
	if f.Separator == "" {
		return line, true
	}
	fields := strings.Split(line, f.Separator)
	idx := f.TextField
	if idx < 0 {
		idx += len(fields)
	}
	if idx < 0 || idx >= len(fields) {
		return "", false
	}
	return strings.TrimSpace(fields[idx]), true
}

// ProcessLines tokenizes every line of r and passes the tokens to fn in
// source order. Lines that do not match format are skipped. Read errors are
// returned as *IOError; an error from fn stops processing and is returned
// as is.
func ProcessLines(r io.Reader, format LineFormat, tok *Tokenizer, fn func(tokens []string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		text, ok := format.Text(strings.TrimRight(scanner.Text(), "\r"))
		if !ok {
			continue
		}
		if err := fn(tok.Tokenize(text)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return ioError("read", "corpus", err)
	}
	return nil
}

// Corpus is the encoded dialog corpus, one entry per accepted line in source
// order.
type Corpus struct {
	Lines    [][]int32
	Rejected int // empty or too long lines
}

// Len is the number of encoded lines.
func (c *Corpus) Len() int { return len(c.Lines) }

// EncodeCorpus re-reads the corpus in r and encodes every line with vocab.
// Lines that are empty or longer than maxRowLength tokens are dropped and
// counted in Corpus.Rejected.
func EncodeCorpus(r io.Reader, format LineFormat, tok *Tokenizer, vocab *Vocabulary, maxRowLength int) (*Corpus, error) {
	corpus := &Corpus{}
	err := ProcessLines(r, format, tok, func(tokens []string) error {
		if len(tokens) == 0 || len(tokens) > maxRowLength {
			corpus.Rejected++
			return nil
		}
		corpus.Lines = append(corpus.Lines, vocab.Encode(tokens))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error encoding corpus")
	}
	return corpus, nil
}

// Dataset is the vocabulary and encoded corpus of one training run.
type Dataset struct {
	Tokenizer  *Tokenizer
	Format     LineFormat
	Vocabulary *Vocabulary
	Corpus     *Corpus
}

// LoadDataset builds the vocabulary from the corpus at cfg.CorpusPath, writes
// the vocabulary list to cfg.VocabularyPath and encodes the corpus.
func LoadDataset(fs afero.Fs, cfg Config, log *zap.Logger) (*Dataset, error) {
	log = orNop(log)
	ds := &Dataset{
		Tokenizer: NewTokenizer(cfg.TokenizerOptions()),
		Format:    cfg.LineFormat(),
	}

	log.Info("building the vocabulary", zap.String("corpus", cfg.CorpusPath))
	err := withFile(fs, cfg.CorpusPath, func(r io.Reader) error {
		var err error
		ds.Vocabulary, err = BuildVocabulary(r, ds.Format, ds.Tokenizer, cfg.MaxVocabulary)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := SaveVocabulary(fs, cfg.VocabularyPath, ds.Vocabulary); err != nil {
		return nil, err
	}
	log.Info("vocabulary is ready",
		zap.Int("size", ds.Vocabulary.Size()),
		zap.Int("distinct_corpus_tokens", len(ds.Vocabulary.Ranked())))

	err = withFile(fs, cfg.CorpusPath, func(r io.Reader) error {
		var err error
		ds.Corpus, err = EncodeCorpus(r, ds.Format, ds.Tokenizer, ds.Vocabulary, cfg.MaxRowLength)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info("corpus is ready", zap.Int("lines", ds.Corpus.Len()), zap.Int("rejected", ds.Corpus.Rejected))
	return ds, nil
}

// EncodeLine tokenizes one line of user input and maps it to ids. ok is
// false for empty input.
func (ds *Dataset) EncodeLine(line string) (ids []int32, ok bool) {
	// reading from a string cannot fail
	_ = ProcessLines(strings.NewReader(line), PlainLines, ds.Tokenizer, func(tokens []string) error {
		ids = append(ids, ds.Vocabulary.Encode(tokens)...)
		return nil
	})
	return ids, len(ids) > 0
}

// SaveVocabulary writes the vocabulary in id order to path.
func SaveVocabulary(fs afero.Fs, path string, v *Vocabulary) error {
	f, err := fs.Create(path)
	if err != nil {
		return ioError("create", path, err)
	}
	if err := v.WriteTokens(f); err != nil {
		f.Close()
		return ioError("write", path, err)
	}
	if err := f.Close(); err != nil {
		return ioError("close", path, err)
	}
	return nil
}

func withFile(fs afero.Fs, path string, fn func(r io.Reader) error) error {
	f, err := fs.Open(path)
	if err != nil {
		return ioError("open", path, err)
	}
	defer f.Close()
	return fn(f)
}
