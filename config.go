package dlchat

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// Config holds the sizes, intervals and paths of a training run. The defaults
// are tuned for the Cornell movie dialogs corpus.
type Config struct {
	HiddenWidth    int `yaml:"hidden_width"`    // affects performance and memory requirement
	EmbeddingWidth int `yaml:"embedding_width"` // width tokens are embedded to before the encoder
	MinibatchSize  int `yaml:"minibatch_size"`
	MacrobatchSize int `yaml:"macrobatch_size"` // minibatches between progress/checkpoint bookkeeping
	MaxVocabulary  int `yaml:"max_vocabulary"`  // rarer tokens are replaced with <unk>
	MaxRowLength   int `yaml:"max_row_length"`  // maximum line length in tokens
	Epochs         int `yaml:"epochs"`          // 0 trains until interrupted

	SaveInterval time.Duration `yaml:"save_interval"`
	TestInterval time.Duration `yaml:"test_interval"`
	PollInterval time.Duration `yaml:"poll_interval"`

	LearningRate float32 `yaml:"learning_rate"`
	Beta1        float32 `yaml:"beta1"`
	Beta2        float32 `yaml:"beta2"`
	WeightDecay  float32 `yaml:"weight_decay"`
	ClipNorm     float32 `yaml:"clip_norm"`

	CorpusPath     string `yaml:"corpus_path"`
	ModelPath      string `yaml:"model_path"`
	BackupPath     string `yaml:"backup_path"`
	VocabularyPath string `yaml:"vocabulary_path"`

	Separator string `yaml:"separator"`  // corpus field separator, empty for plain lines
	TextField int    `yaml:"text_field"` // field holding the line text, negative counts from the end
	Specials  string `yaml:"specials"`   // characters always split into their own token
	Lowercase bool   `yaml:"lowercase"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		HiddenWidth:    1024,
		EmbeddingWidth: 128,
		MinibatchSize:  16,
		MacrobatchSize: 20,
		MaxVocabulary:  40000,
		MaxRowLength:   20,
		SaveInterval:   10 * time.Minute,
		TestInterval:   time.Minute,
		PollInterval:   100 * time.Millisecond,
		LearningRate:   1e-2,
		Beta1:          0.9,
		Beta2:          0.95,
		WeightDecay:    1e-5,
		ClipNorm:       5,
		CorpusPath:     "movie_lines.txt",
		ModelPath:      "rnn_train_movies.bin",
		BackupPath:     "rnn_train_movies.bak.bin",
		VocabularyPath: "dictionary.txt",
		Separator:      "+++$+++",
		TextField:      4,
		Specials:       DefaultSpecials,
		Lowercase:      true,
	}
}

// LoadConfig returns DefaultConfig overridden by the YAML file at path. An
// empty path returns the defaults.
func LoadConfig(fs afero.Fs, path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, errors.Wrapf(err, "config file %s not found", path)
		}
		return cfg, ioError("read", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "error parsing config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Validate rejects configurations the training engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.HiddenWidth <= 0 || c.EmbeddingWidth <= 0:
		return errors.New("hidden_width and embedding_width must be positive")
	case c.MinibatchSize <= 0 || c.MacrobatchSize <= 0:
		return errors.New("minibatch_size and macrobatch_size must be positive")
	case c.MaxRowLength <= 0:
		return errors.New("max_row_length must be positive")
	case c.Epochs < 0:
		return errors.New("epochs must not be negative")
	case c.PollInterval <= 0:
		return errors.New("poll_interval must be positive")
	case c.ModelPath == "" || c.BackupPath == "" || c.ModelPath == c.BackupPath:
		return errors.New("model_path and backup_path must be set and differ")
	}
	reserved := len(reservedTokens) + len(NewTokenizer(c.TokenizerOptions()).Specials())
	if c.MaxVocabulary < reserved {
		return errors.Errorf("max_vocabulary %d is smaller than the %d reserved tokens", c.MaxVocabulary, reserved)
	}
	return nil
}

// TokenizerOptions returns the tokenizer settings of c.
func (c Config) TokenizerOptions() TokenizerOptions {
	return TokenizerOptions{Specials: c.Specials, Lowercase: c.Lowercase}
}

// LineFormat returns the corpus line format of c.
func (c Config) LineFormat() LineFormat {
	return LineFormat{Separator: c.Separator, TextField: c.TextField}
}

// Seq2SeqConfig returns the reference model hyper-parameters for a
// vocabulary of vocabSize tokens.
func (c Config) Seq2SeqConfig(vocabSize int) Seq2SeqConfig {
	return Seq2SeqConfig{
		V:            vocabSize,
		E:            c.EmbeddingWidth,
		H:            c.HiddenWidth,
		LearningRate: c.LearningRate,
		Beta1:        c.Beta1,
		Beta2:        c.Beta2,
		Eps:          1e-8,
		WeightDecay:  c.WeightDecay,
		ClipNorm:     c.ClipNorm,
		Seed:         time.Now().UnixNano(),
	}
}
