package dlchat

import "io"

// Model is a trainable encoder-decoder network. The training loop and the
// decoder only depend on these primitives, never on the layers behind them.
type Model interface {
	// TrainOnBatch runs one forward/backward pass and parameter update and
	// returns the mean loss over the unmasked target positions.
	TrainOnBatch(b *Minibatch) (float32, error)
	// Encode returns the thought vector of an already reversed input line.
	Encode(input []int32) ([]float32, error)
	// DecodeStep advances the decoder by one time step. combined is the
	// one-hot previous token followed by the thought vector. A nil state is
	// the initial state. It returns the new state and the distribution over
	// the vocabulary. combined is reused by the caller after the call
	// returns.
	DecodeStep(state, combined []float32) (next, probs []float32, err error)
	ParameterCount() int
	Save(w io.Writer) error
	Load(r io.Reader) error
}

// BatchCounter is implemented by models that remember how many minibatches
// they were trained on. The count is the default resume position.
type BatchCounter interface {
	TrainedBatches() int
}
