package dlchat

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app is the state shared by the CLI commands.
type app struct {
	fs      afero.Fs
	cfgPath string
	verbose bool
	cfg     Config
	log     *zap.Logger
}

// NewCommand returns the dlchat command tree operating on fs. A nil log
// creates one from the --verbose flag.
func NewCommand(fs afero.Fs, log *zap.Logger) *cobra.Command {
	a := &app{fs: fs, log: log}

	rootCmd := &cobra.Command{
		Use:   "dlchat",
		Short: "Train a dialog model on a movie lines corpus and chat with it",
		Long: `
		dlchat builds a vocabulary from a dialog corpus, trains an encoder-decoder
		network on consecutive line pairs and talks back. Run without a subcommand
		to choose between resuming training and starting a dialog.
	`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.interactive(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.cfgPath, "config", "", "YAML file overriding the default configuration")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debug messages")

	var from int
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train the model, resuming from the saved one if there is one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("from") {
				return a.train(&from)
			}
			return a.train(nil)
		},
	}
	trainCmd.Flags().IntVar(&from, "from", 0, "minibatch to start the first epoch at (default: where the saved model stopped)")

	var suppressUnknown bool
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the trained model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.chat(cmd.InOrStdin(), cmd.OutOrStdout(), suppressUnknown)
		},
	}
	chatCmd.Flags().BoolVar(&suppressUnknown, "suppress-unknown", false, "leave <unk> out of replies")

	var ranked bool
	vocabCmd := &cobra.Command{
		Use:   "vocab",
		Short: "Build the vocabulary and write it to the vocabulary path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.vocab(cmd.OutOrStdout(), ranked)
		},
	}
	vocabCmd.Flags().BoolVar(&ranked, "ranked", false, "also print every corpus token in rank order")

	var output string
	fetchCmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Download a corpus to the corpus path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = a.cfg.CorpusPath
			}
			return downloadCorpus(cmd.Context(), nil, a.fs, output, args[0], a.log)
		},
	}
	fetchCmd.Flags().StringVarP(&output, "output", "o", "", "where to save the corpus (default: the corpus path)")

	rootCmd.AddCommand(trainCmd, chatCmd, vocabCmd, fetchCmd)
	return rootCmd
}

// Execute runs the dlchat command line on the OS filesystem.
func Execute() {
	if err := NewCommand(afero.NewOsFs(), nil).Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) init() error {
	if a.log == nil {
		a.log = NewLogger(a.verbose)
	}
	cfg, err := LoadConfig(a.fs, a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// session is a loaded dataset with a model for it.
type session struct {
	ds         *Dataset
	model      *Seq2Seq
	checkpoint *CheckpointController
}

// open loads the dataset and the saved model. Without a saved model a fresh
// one is returned when fresh is set, ErrNoModel otherwise.
func (a *app) open(fresh bool) (*session, error) {
	ds, err := LoadDataset(a.fs, a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	s := &session{
		ds: ds,
		checkpoint: NewCheckpointController(a.fs, a.cfg.ModelPath, a.cfg.BackupPath,
			WithPollInterval(a.cfg.PollInterval), WithCheckpointLogger(a.log)),
	}
	s.model = NewSeq2Seq(a.cfg.Seq2SeqConfig(ds.Vocabulary.Size()))
	err = s.checkpoint.Load(s.model)
	switch {
	case errors.Is(err, ErrNoModel) && fresh:
		a.log.Info("no saved model, starting from scratch", zap.String("parameters", humanize.Comma(int64(s.model.ParameterCount()))))
		return s, nil
	case err != nil:
		return nil, err
	}
	if s.model.VocabSize() != ds.Vocabulary.Size() {
		return nil, errors.Errorf("saved model has a vocabulary of %d tokens, the corpus has %d", s.model.VocabSize(), ds.Vocabulary.Size())
	}
	a.log.Info("model loaded",
		zap.String("parameters", humanize.Comma(int64(s.model.ParameterCount()))),
		zap.Int("trained_batches", s.model.TrainedBatches()))
	a.log.Debug(s.model.String())
	return s, nil
}

// interactive asks what to do: "d" starts a dialog, a number resumes training
// at that minibatch and an empty line resumes where the saved model stopped.
func (a *app) interactive(in io.Reader, out io.Writer) error {
	r := bufio.NewReader(in)
	fmt.Fprint(out, "Enter d for dialog, a minibatch number or nothing to resume training: ")
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "error reading the choice")
	}
	choice := strings.TrimSpace(line)
	switch {
	case choice == "d":
		return a.chat(r, out, false)
	case choice == "":
		return a.train(nil)
	}
	n, err := strconv.Atoi(choice)
	if err != nil || n < 0 {
		return errors.Errorf("expected d, a minibatch number or nothing, got %q", choice)
	}
	return a.train(&n)
}

func (a *app) train(from *int) error {
	s, err := a.open(true)
	if err != nil {
		return err
	}
	it := NewMacrobatchIterator(s.ds.Corpus, a.cfg.MinibatchSize, a.cfg.MacrobatchSize)
	offset := 0
	switch {
	case from != nil:
		offset = *from
	case it.TotalBatches() > 0:
		offset = s.model.TrainedBatches() % it.TotalBatches()
	}

	trainer := NewTrainer(TrainerParams{
		Model:        s.model,
		Iterator:     it,
		Checkpoint:   s.checkpoint,
		Decoder:      NewDecoder(s.model, s.ds.Vocabulary.Size()),
		Vocabulary:   s.ds.Vocabulary,
		Corpus:       s.ds.Corpus,
		Epochs:       a.cfg.Epochs,
		SaveInterval: a.cfg.SaveInterval,
		TestInterval: a.cfg.TestInterval,
		MaxRowLength: a.cfg.MaxRowLength,
		Log:          a.log,
	})

	// started before the handler so an early signal is not dropped
	s.checkpoint.Start()
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(sigs)
		close(done)
	}()
	go handleSignals(sigs, done, s.checkpoint, a.log)

	a.log.Info("training", zap.Int("from", offset), zap.Int("total", it.TotalBatches()))
	return trainer.Run(offset)
}

// handleSignals turns the first signal into a shutdown request. Signal
// delivery is stopped first, so a second signal kills the process while the
// model is being saved.
func handleSignals(sigs chan os.Signal, done <-chan struct{}, c *CheckpointController, log *zap.Logger) {
	select {
	case sig := <-sigs:
		signal.Stop(sigs)
		log.Info("received signal, interrupt again to quit without saving", zap.String("signal", sig.String()))
		c.RequestShutdown()
	case <-done:
	}
}

func (a *app) chat(in io.Reader, out io.Writer, suppressUnknown bool) error {
	s, err := a.open(false)
	if errors.Is(err, ErrNoModel) {
		return errors.Wrapf(err, "train a model before chatting")
	}
	if err != nil {
		return err
	}
	dec := NewDecoder(s.model, s.ds.Vocabulary.Size(), WithSuppressUnknown(suppressUnknown))
	return dialog(in, out, s.ds, dec, a.cfg.MaxRowLength)
}

// dialog answers every line of in until EOF.
func dialog(in io.Reader, out io.Writer, ds *Dataset, dec *Decoder, maxOutputLength int) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		ids, ok := ds.EncodeLine(scanner.Text())
		if !ok {
			continue
		}
		reply, err := dec.Respond(ids, maxOutputLength)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, strings.Join(ds.Vocabulary.Decode(reply), " "))
	}
}

func (a *app) vocab(out io.Writer, ranked bool) error {
	ds := &Dataset{
		Tokenizer: NewTokenizer(a.cfg.TokenizerOptions()),
		Format:    a.cfg.LineFormat(),
	}
	err := withFile(a.fs, a.cfg.CorpusPath, func(r io.Reader) error {
		var err error
		ds.Vocabulary, err = BuildVocabulary(r, ds.Format, ds.Tokenizer, a.cfg.MaxVocabulary)
		return err
	})
	if err != nil {
		return err
	}
	if err := SaveVocabulary(a.fs, a.cfg.VocabularyPath, ds.Vocabulary); err != nil {
		return err
	}
	a.log.Info("vocabulary saved",
		zap.String("path", a.cfg.VocabularyPath),
		zap.Int("size", ds.Vocabulary.Size()),
		zap.Int("distinct_corpus_tokens", len(ds.Vocabulary.Ranked())))
	if ranked {
		return ds.Vocabulary.WriteRanked(out)
	}
	return nil
}
