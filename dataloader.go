package dlchat

// Minibatch is the unit of data of one training step. All slices are flat
// and row-major: row r, time step t of the encoder input is
// EncoderInput[r*EncoderLen+t]. Rows are right padded with <unk> up to the
// longest row of the minibatch and the padding is masked out.
type Minibatch struct {
	B          int
	EncoderLen int
	DecoderLen int

	EncoderInput []int32   // (B, EncoderLen) the input line, reversed
	EncoderMask  []float32 // (B, EncoderLen)
	DecoderInput []int32   // (B, DecoderLen) <go> followed by the reply
	Target       []int32   // (B, DecoderLen) the reply followed by <eos>
	TargetMask   []float32 // (B, DecoderLen)
}

// MacrobatchIterator serves the corpus as minibatches of consecutive dialog
// line pairs, grouped into macrobatches. Row j of minibatch k pairs line
// k*minibatchSize+j with the line after it.
type MacrobatchIterator struct {
	corpus         *Corpus
	minibatchSize  int
	macrobatchSize int
	batch          int
	numBatches     int
}

// NewMacrobatchIterator returns an iterator positioned at the first batch.
func NewMacrobatchIterator(corpus *Corpus, minibatchSize, macrobatchSize int) *MacrobatchIterator {
	return &MacrobatchIterator{
		corpus:         corpus,
		minibatchSize:  minibatchSize,
		macrobatchSize: macrobatchSize,
		numBatches:     (corpus.Len() + minibatchSize - 1) / minibatchSize,
	}
}

// Reset starts a new epoch.
func (it *MacrobatchIterator) Reset() {
	it.batch = 0
}

// SetCurrentBatch moves the cursor to minibatch n without replaying the
// batches before it.
func (it *MacrobatchIterator) SetCurrentBatch(n int) {
	it.batch = min(max(n, 0), it.numBatches)
}

// Batch is the index of the next minibatch to be served.
func (it *MacrobatchIterator) Batch() int {
	return it.batch
}

// TotalBatches is the number of minibatches in one epoch.
func (it *MacrobatchIterator) TotalBatches() int {
	return it.numBatches
}

// HasNextMacrobatch reports whether the epoch has minibatches left.
func (it *MacrobatchIterator) HasNextMacrobatch() bool {
	return it.batch < it.numBatches
}

// NextMacroBatch advances the cursor past the current macrobatch.
func (it *MacrobatchIterator) NextMacroBatch() {
	it.batch = min(it.batch+it.macrobatchSize, it.numBatches)
}

// Macrobatch returns the minibatches of the current macrobatch. Minibatches
// without a single line pair are left out.
func (it *MacrobatchIterator) Macrobatch() []*Minibatch {
	end := min(it.batch+it.macrobatchSize, it.numBatches)
	batches := make([]*Minibatch, 0, end-it.batch)
	for k := it.batch; k < end; k++ {
		if mb := it.minibatch(k); mb != nil {
			batches = append(batches, mb)
		}
	}
	return batches
}

func (it *MacrobatchIterator) minibatch(k int) *Minibatch {
	lines := it.corpus.Lines
	start := k * it.minibatchSize
	end := min(start+it.minibatchSize, len(lines)-1)
	if start >= end {
		return nil
	}
	mb := &Minibatch{B: end - start}
	for i := start; i < end; i++ {
		mb.EncoderLen = max(mb.EncoderLen, len(lines[i]))
		mb.DecoderLen = max(mb.DecoderLen, len(lines[i+1])+1)
	}
	mb.EncoderInput = make([]int32, mb.B*mb.EncoderLen)
	mb.EncoderMask = make([]float32, mb.B*mb.EncoderLen)
	mb.DecoderInput = make([]int32, mb.B*mb.DecoderLen)
	mb.Target = make([]int32, mb.B*mb.DecoderLen)
	mb.TargetMask = make([]float32, mb.B*mb.DecoderLen)

	for r := 0; r < mb.B; r++ {
		in, out := lines[start+r], lines[start+r+1]
		enc := mb.EncoderInput[r*mb.EncoderLen:]
		for t := range in {
			enc[t] = in[len(in)-1-t]
			mb.EncoderMask[r*mb.EncoderLen+t] = 1
		}
		dec := mb.DecoderInput[r*mb.DecoderLen:]
		tgt := mb.Target[r*mb.DecoderLen:]
		dec[0] = GoID
		copy(dec[1:], out)
		copy(tgt, out)
		tgt[len(out)] = EOSID
		for t := 0; t <= len(out); t++ {
			mb.TargetMask[r*mb.DecoderLen+t] = 1
		}
	}
	return mb
}
