package dlchat

import (
	"math/rand"
	"slices"
	"time"

	"github.com/pkg/errors"
)

// Decoder generates replies with a trained Model one token at a time,
// sampling every token from the model's output distribution.
//
// A sampled <eos> ends the reply and is not returned. A sampled <unk> is
// returned unless unknown suppression is on; a suppressed <unk> still uses up
// one of the maxOutputLength steps and is fed back to the model as the next
// decoder input, it is only left out of the reply.
type Decoder struct {
	model           Model
	vocabSize       int
	rand            *rand.Rand
	suppressUnknown bool
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithRand sets the random source used for sampling.
func WithRand(r *rand.Rand) DecoderOption {
	return func(d *Decoder) { d.rand = r }
}

// WithSuppressUnknown leaves sampled <unk> tokens out of replies.
func WithSuppressUnknown(suppress bool) DecoderOption {
	return func(d *Decoder) { d.suppressUnknown = suppress }
}

// NewDecoder returns a Decoder for a model over vocabSize tokens.
func NewDecoder(model Model, vocabSize int, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		model:     model,
		vocabSize: vocabSize,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Respond returns the model's reply to input, at most maxOutputLength tokens
// long. input is not modified.
func (d *Decoder) Respond(input []int32, maxOutputLength int) ([]int32, error) {
	reversed := slices.Clone(input)
	slices.Reverse(reversed)
	thought, err := d.model.Encode(reversed)
	if err != nil {
		return nil, errors.Wrapf(err, "error encoding input")
	}

	combined := make([]float32, d.vocabSize+len(thought))
	copy(combined[d.vocabSize:], thought)
	var (
		state  []float32
		output []int32
		prev   = GoID
	)
	for step := 0; step < maxOutputLength; step++ {
		combined[prev] = 1
		var probs []float32
		state, probs, err = d.model.DecodeStep(state, combined)
		if err != nil {
			return nil, errors.Wrapf(err, "error decoding step %d", step)
		}
		combined[prev] = 0
		if len(probs) != d.vocabSize {
			return nil, errors.Errorf("model returned %d probabilities for a vocabulary of %d", len(probs), d.vocabSize)
		}

		id := int32(sampleCDF(probs, d.rand.Float64()))
		if id == EOSID {
			break
		}
		if id != UnknownID || !d.suppressUnknown {
			output = append(output, id)
		}
		prev = id
	}
	return output, nil
}
