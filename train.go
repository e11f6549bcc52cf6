package dlchat

import (
	"math/rand"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TrainerParams wires a Trainer.
type TrainerParams struct {
	Model      Model
	Iterator   *MacrobatchIterator
	Checkpoint *CheckpointController
	Decoder    *Decoder
	Vocabulary *Vocabulary
	Corpus     *Corpus

	Epochs       int // 0 trains until interrupted
	SaveInterval time.Duration
	TestInterval time.Duration
	MaxRowLength int

	Log  *zap.Logger
	Now  func() time.Time // defaults to time.Now
	Rand *rand.Rand       // picks test lines
}

// Trainer runs the training loop.
type Trainer struct {
	TrainerParams
}

// NewTrainer returns a Trainer for p.
func NewTrainer(p TrainerParams) *Trainer {
	p.Log = orNop(p.Log)
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Trainer{TrainerParams: p}
}

// Run trains until the configured number of epochs is done or a shutdown is
// requested. The first epoch starts at minibatch offset. The model is saved
// before returning in both cases.
func (t *Trainer) Run(offset int) error {
	t.Checkpoint.Start()
	defer t.Checkpoint.Finish()

	// a corpus of fewer than two lines has no line pairs to train on
	if t.Corpus.Len() < 2 || t.Iterator.TotalBatches() == 0 {
		return errors.New("corpus is empty")
	}

	lastSave, lastTest := t.Now(), t.Now()
	for epoch := 1; t.Epochs == 0 || epoch <= t.Epochs; epoch++ {
		t.Log.Info("epoch", zap.Int("epoch", epoch))
		if epoch == 1 {
			t.Iterator.SetCurrentBatch(offset)
		} else {
			t.Iterator.Reset()
		}

		lastPerc := 0
		for t.Iterator.HasNextMacrobatch() {
			if t.Checkpoint.ShutdownRequested() {
				return t.save()
			}

			start := t.Now()
			losses, err := t.trainMacrobatch()
			if err != nil {
				return err
			}
			t.Iterator.NextMacroBatch()
			batch, total := t.Iterator.Batch(), t.Iterator.TotalBatches()

			fields := []zap.Field{
				zap.Int("batch", batch),
				zap.Int("total", total),
				zap.Duration("took", t.Now().Sub(start)),
			}
			if mean, err := stats.Mean(losses); err == nil {
				median, _ := stats.Median(losses)
				fields = append(fields, zap.Float64("loss", mean), zap.Float64("median_loss", median))
			}
			t.Log.Info("macrobatch done", fields...)

			if perc := batch * 100 / total; perc != lastPerc {
				t.Log.Info("epoch complete", zap.Int("percent", perc))
				lastPerc = perc
			}

			if t.Checkpoint.ShutdownRequested() {
				return t.save()
			}
			if t.Now().Sub(lastSave) > t.SaveInterval {
				if err := t.save(); err != nil {
					return err
				}
				lastSave = t.Now()
			}
			if t.Now().Sub(lastTest) > t.TestInterval {
				if err := t.Test(); err != nil {
					return err
				}
				lastTest = t.Now()
			}
		}
	}
	return t.save()
}

func (t *Trainer) trainMacrobatch() (stats.Float64Data, error) {
	var losses stats.Float64Data
	err := t.Checkpoint.Guard(func() error {
		for _, mb := range t.Iterator.Macrobatch() {
			loss, err := t.Model.TrainOnBatch(mb)
			if err != nil {
				return errors.Wrapf(err, "error training at batch %d", t.Iterator.Batch())
			}
			losses = append(losses, float64(loss))
		}
		return nil
	})
	return losses, err
}

func (t *Trainer) save() error {
	if err := t.Checkpoint.Save(t.Model); err != nil {
		return errors.Wrapf(err, "error saving the model")
	}
	return nil
}

// Test decodes a random corpus line and logs the input and the reply.
func (t *Trainer) Test() error {
	if t.Corpus.Len() == 0 {
		return nil
	}
	in := t.Corpus.Lines[t.Rand.Intn(t.Corpus.Len())]
	out, err := t.Decoder.Respond(in, t.MaxRowLength)
	if err != nil {
		return errors.Wrapf(err, "error running the test dialog")
	}
	t.Log.Info("test",
		zap.String("in", strings.Join(t.Vocabulary.Decode(in), " ")),
		zap.String("out", strings.Join(t.Vocabulary.Decode(out), " ")))
	return nil
}
