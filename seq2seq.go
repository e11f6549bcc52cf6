package dlchat

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

const (
	seq2seqMagic   = 20240415
	seq2seqVersion = 1

	maxSeq2SeqParams = 1 << 30
)

// Seq2SeqConfig are the hyper-parameters of a Seq2Seq model.
type Seq2SeqConfig struct {
	V int `json:"vocab_size"`
	E int `json:"embedding_width"`
	H int `json:"hidden_width"`

	LearningRate float32 `json:"learning_rate"`
	Beta1        float32 `json:"beta1"`
	Beta2        float32 `json:"beta2"`
	Eps          float32 `json:"eps"`
	WeightDecay  float32 `json:"weight_decay"`
	ClipNorm     float32 `json:"clip_norm"` // 0 disables gradient clipping
	Seed         int64   `json:"seed"`
}

// Seq2Seq is a small encoder-decoder recurrent network implementing Model on
// the CPU. The encoder embeds the reversed input line and runs a tanh RNN
// over it; its last hidden state is the thought vector. The decoder is a tanh
// RNN whose input at every step is the one-hot previous token concatenated
// with the thought vector, followed by a softmax over the vocabulary.
type Seq2Seq struct {
	Config Seq2SeqConfig
	// Params has the weights of the model. Grads has the gradients of the last
	// minibatch, laid out the same way.
	Params ParameterTensors
	Grads  ParameterTensors
	// Fields for AdamW optimizer
	MMemory []float32
	VMemory []float32
	Step    int // minibatches trained
	Rand    *rand.Rand
}

var _ Model = (*Seq2Seq)(nil)

// NewSeq2Seq returns a model with randomly initialised weights.
func NewSeq2Seq(cfg Seq2SeqConfig) *Seq2Seq {
	model := &Seq2Seq{
		Config: cfg,
		Rand:   rand.New(rand.NewSource(cfg.Seed)),
	}
	model.alloc()
	model.initWeights()
	return model
}

func (model *Seq2Seq) alloc() {
	V, E, H := model.Config.V, model.Config.E, model.Config.H
	model.Params.Init(V, E, H)
	model.Grads.Init(V, E, H)
	model.MMemory = make([]float32, model.Params.Len())
	model.VMemory = make([]float32, model.Params.Len())
}

// initWeights draws weights uniformly from the Xavier range and zeroes the
// biases.
func (model *Seq2Seq) initWeights() {
	V, E, H := model.Config.V, model.Config.E, model.Config.H
	p := &model.Params
	fill := func(t tensor, fanIn, fanOut int) {
		limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
		for i := range t.data {
			t.data[i] = float32((model.Rand.Float64()*2 - 1) * limit)
		}
	}
	fill(p.EncEmbed, V, E)
	fill(p.EncInputW, E, H)
	fill(p.EncHiddenW, H, H)
	fill(p.DecInputW, V+H, H)
	fill(p.DecHiddenW, H, H)
	fill(p.OutW, H, V)
}

func (model *Seq2Seq) String() string {
	var s string
	s += "[Seq2Seq]\n"
	s += fmt.Sprintf("vocab_size: %d\n", model.Config.V)
	s += fmt.Sprintf("embedding_width: %d\n", model.Config.E)
	s += fmt.Sprintf("hidden_width: %d\n", model.Config.H)
	s += fmt.Sprintf("num_parameters: %d\n", model.Params.Len())
	s += fmt.Sprintf("trained_batches: %d\n", model.Step)
	return s
}

// ParameterCount implements Model.
func (model *Seq2Seq) ParameterCount() int {
	return model.Params.Len()
}

// TrainedBatches implements BatchCounter.
func (model *Seq2Seq) TrainedBatches() int {
	return model.Step
}

// VocabSize is the number of tokens the model was built for.
func (model *Seq2Seq) VocabSize() int {
	return model.Config.V
}

// activations of one minibatch, kept for the backward pass. Every slice is
// indexed by time step first.
type seq2seqActs struct {
	B, Tin, Tout int
	encIDs       []int32   // (Tin, B)
	encMask      []float32 // (Tin, B)
	encX         []float32 // (Tin, B, E)
	encH         []float32 // (Tin+1, B, H), step 0 is the zero state
	decIn        []float32 // (Tout, B, V+H)
	decS         []float32 // (Tout+1, B, H), step 0 is the zero state
	targets      []int32   // (Tout, B)
	mask         []float32 // (Tout, B)
	probs        []float32 // (Tout, B, V)
}

// encoderForward runs the encoder over ids, which are (Tin, B). Rows whose
// mask is zero at a step keep their previous state, so the final state of
// every row is the state after its last real token.
func (model *Seq2Seq) encoderForward(acts *seq2seqActs) {
	E, H := model.Config.E, model.Config.H
	B := acts.B
	p := &model.Params
	recur := make([]float32, B*H)
	for t := 0; t < acts.Tin; t++ {
		x := acts.encX[t*B*E : (t+1)*B*E]
		hPrev := acts.encH[t*B*H : (t+1)*B*H]
		h := acts.encH[(t+1)*B*H : (t+2)*B*H]
		embeddingForward(x, acts.encIDs[t*B:(t+1)*B], p.EncEmbed.data, 1, B, E)
		matmulForward(h, x, p.EncInputW.data, p.EncB.data, 1, B, E, H)
		matmulForward(recur, hPrev, p.EncHiddenW.data, nil, 1, B, H, H)
		for i := range h {
			h[i] += recur[i]
		}
		tanhForward(h, h, B*H)
		for r := 0; r < B; r++ {
			if acts.encMask[t*B+r] == 0 {
				copy(h[r*H:(r+1)*H], hPrev[r*H:(r+1)*H])
			}
		}
	}
}

// decoderStep advances the decoder by one step for a batch of B rows.
func (model *Seq2Seq) decoderStep(s, probs, sPrev, in []float32, B int) {
	V, H := model.Config.V, model.Config.H
	p := &model.Params
	recur := make([]float32, B*H)
	matmulForward(s, in, p.DecInputW.data, p.DecB.data, 1, B, V+H, H)
	matmulForward(recur, sPrev, p.DecHiddenW.data, nil, 1, B, H, H)
	for i := range s {
		s[i] += recur[i]
	}
	tanhForward(s, s, B*H)
	logits := make([]float32, B*V)
	matmulForward(logits, s, p.OutW.data, p.OutB.data, 1, B, H, V)
	softmaxForward(probs, logits, 1, B, V)
}

// Forward runs the minibatch through the model and returns the mean loss
// over the unmasked targets.
func (model *Seq2Seq) Forward(b *Minibatch) (*seq2seqActs, float32, error) {
	V, E, H := model.Config.V, model.Config.E, model.Config.H
	B, Tin, Tout := b.B, b.EncoderLen, b.DecoderLen
	for _, ids := range [][]int32{b.EncoderInput, b.DecoderInput, b.Target} {
		for _, id := range ids {
			if id < 0 || int(id) >= V {
				return nil, 0, errors.Errorf("token id %d outside of vocabulary of %d", id, V)
			}
		}
	}
	acts := &seq2seqActs{
		B: B, Tin: Tin, Tout: Tout,
		encIDs:  make([]int32, Tin*B),
		encMask: make([]float32, Tin*B),
		encX:    make([]float32, Tin*B*E),
		encH:    make([]float32, (Tin+1)*B*H),
		decIn:   make([]float32, Tout*B*(V+H)),
		decS:    make([]float32, (Tout+1)*B*H),
		targets: make([]int32, Tout*B),
		mask:    make([]float32, Tout*B),
		probs:   make([]float32, Tout*B*V),
	}
	// minibatches are (B, T), activations are (T, B)
	for r := 0; r < B; r++ {
		for t := 0; t < Tin; t++ {
			acts.encIDs[t*B+r] = b.EncoderInput[r*Tin+t]
			acts.encMask[t*B+r] = b.EncoderMask[r*Tin+t]
		}
		for t := 0; t < Tout; t++ {
			acts.targets[t*B+r] = b.Target[r*Tout+t]
			acts.mask[t*B+r] = b.TargetMask[r*Tout+t]
		}
	}

	model.encoderForward(acts)
	thought := acts.encH[Tin*B*H : (Tin+1)*B*H]

	for t := 0; t < Tout; t++ {
		in := acts.decIn[t*B*(V+H) : (t+1)*B*(V+H)]
		for r := 0; r < B; r++ {
			row := in[r*(V+H) : (r+1)*(V+H)]
			row[b.DecoderInput[r*Tout+t]] = 1
			copy(row[V:], thought[r*H:(r+1)*H])
		}
		model.decoderStep(
			acts.decS[(t+1)*B*H:(t+2)*B*H],
			acts.probs[t*B*V:(t+1)*B*V],
			acts.decS[t*B*H:(t+1)*B*H],
			in, B)
	}

	losses := make([]float32, Tout*B)
	crossEntropyForward(losses, acts.probs, acts.targets, 1, Tout*B, V)
	var sum, count float64
	for i, m := range acts.mask {
		if m != 0 {
			sum += float64(losses[i])
			count++
		}
	}
	if count == 0 {
		return acts, 0, nil
	}
	return acts, float32(sum / count), nil
}

// Backward computes the gradients of the mean loss into Grads by
// backpropagation through time.
func (model *Seq2Seq) Backward(acts *seq2seqActs) {
	V, E, H := model.Config.V, model.Config.E, model.Config.H
	B, Tin, Tout := acts.B, acts.Tin, acts.Tout
	p, g := &model.Params, &model.Grads
	model.ZeroGradient()

	var count float32
	for _, m := range acts.mask {
		count += m
	}
	if count == 0 {
		return
	}
	dlosses := make([]float32, Tout*B)
	for i, m := range acts.mask {
		dlosses[i] = m / count
	}

	dthought := make([]float32, B*H)
	dsNext := make([]float32, B*H)
	for t := Tout - 1; t >= 0; t-- {
		s := acts.decS[(t+1)*B*H : (t+2)*B*H]
		sPrev := acts.decS[t*B*H : (t+1)*B*H]
		in := acts.decIn[t*B*(V+H) : (t+1)*B*(V+H)]

		dlogits := make([]float32, B*V)
		crossentropySoftmaxBackward(dlogits, dlosses[t*B:(t+1)*B], acts.probs[t*B*V:(t+1)*B*V], acts.targets[t*B:(t+1)*B], 1, B, V)
		ds := dsNext
		matmulBackward(ds, g.OutW.data, g.OutB.data, dlogits, s, p.OutW.data, 1, B, H, V)

		dpre := make([]float32, B*H)
		tanhBackward(dpre, s, ds, B*H)
		dsNext = make([]float32, B*H)
		matmulBackward(dsNext, g.DecHiddenW.data, nil, dpre, sPrev, p.DecHiddenW.data, 1, B, H, H)
		din := make([]float32, B*(V+H))
		matmulBackward(din, g.DecInputW.data, g.DecB.data, dpre, in, p.DecInputW.data, 1, B, V+H, H)
		for r := 0; r < B; r++ {
			for i := 0; i < H; i++ {
				dthought[r*H+i] += din[r*(V+H)+V+i]
			}
		}
	}

	dh := dthought
	for t := Tin - 1; t >= 0; t-- {
		h := acts.encH[(t+1)*B*H : (t+2)*B*H]
		hPrev := acts.encH[t*B*H : (t+1)*B*H]
		x := acts.encX[t*B*E : (t+1)*B*E]

		dpre := make([]float32, B*H)
		tanhBackward(dpre, h, dh, B*H)
		for r := 0; r < B; r++ {
			if acts.encMask[t*B+r] == 0 {
				clear(dpre[r*H : (r+1)*H])
			}
		}
		dhPrev := make([]float32, B*H)
		matmulBackward(dhPrev, g.EncHiddenW.data, nil, dpre, hPrev, p.EncHiddenW.data, 1, B, H, H)
		// masked steps passed the state through unchanged
		for r := 0; r < B; r++ {
			if acts.encMask[t*B+r] == 0 {
				copy(dhPrev[r*H:(r+1)*H], dh[r*H:(r+1)*H])
			}
		}
		dx := make([]float32, B*E)
		matmulBackward(dx, g.EncInputW.data, g.EncB.data, dpre, x, p.EncInputW.data, 1, B, E, H)
		embeddingBackward(g.EncEmbed.data, dx, acts.encIDs[t*B:(t+1)*B], 1, B, E)
		dh = dhPrev
	}
}

// clipGradient rescales the gradient to at most ClipNorm in L2 norm.
func (model *Seq2Seq) clipGradient() {
	if model.Config.ClipNorm <= 0 {
		return
	}
	var norm float64
	for _, g := range model.Grads.Memory {
		norm += float64(g) * float64(g)
	}
	norm = math.Sqrt(norm)
	if norm <= float64(model.Config.ClipNorm) {
		return
	}
	scale := float32(float64(model.Config.ClipNorm) / norm)
	for i := range model.Grads.Memory {
		model.Grads.Memory[i] *= scale
	}
}

// Update applies the gradients with AdamW.
func (model *Seq2Seq) Update(learningRate, beta1, beta2, eps, weightDecay float32, t int) {
	for i := 0; i < model.Params.Len(); i++ {
		parameter := model.Params.Memory[i]
		gradient := model.Grads.Memory[i]
		// Momentum update
		m := beta1*model.MMemory[i] + (1.0-beta1)*gradient
		// RMSprop update
		v := beta2*model.VMemory[i] + (1.0-beta2)*gradient*gradient
		// Bias correction
		mHat := m / (1.0 - Pow(beta1, float32(t)))
		vHat := v / (1.0 - Pow(beta2, float32(t)))
		// Parameter update
		model.MMemory[i] = m
		model.VMemory[i] = v
		model.Params.Memory[i] -= learningRate * (mHat/(Sqrt(vHat)+eps) + weightDecay*parameter)
	}
}

func (model *Seq2Seq) ZeroGradient() {
	clear(model.Grads.Memory)
}

// TrainOnBatch implements Model.
func (model *Seq2Seq) TrainOnBatch(b *Minibatch) (float32, error) {
	acts, loss, err := model.Forward(b)
	if err != nil {
		return 0, err
	}
	model.Backward(acts)
	model.clipGradient()
	model.Step++
	cfg := model.Config
	model.Update(cfg.LearningRate, cfg.Beta1, cfg.Beta2, cfg.Eps, cfg.WeightDecay, model.Step)
	return loss, nil
}

// Encode implements Model.
func (model *Seq2Seq) Encode(input []int32) ([]float32, error) {
	E, H := model.Config.E, model.Config.H
	for _, id := range input {
		if id < 0 || int(id) >= model.Config.V {
			return nil, errors.Errorf("token id %d outside of vocabulary of %d", id, model.Config.V)
		}
	}
	T := len(input)
	acts := &seq2seqActs{
		B: 1, Tin: T,
		encIDs:  input,
		encMask: make([]float32, T),
		encX:    make([]float32, T*E),
		encH:    make([]float32, (T+1)*H),
	}
	for t := range acts.encMask {
		acts.encMask[t] = 1
	}
	model.encoderForward(acts)
	thought := make([]float32, H)
	copy(thought, acts.encH[T*H:])
	return thought, nil
}

// DecodeStep implements Model.
func (model *Seq2Seq) DecodeStep(state, combined []float32) ([]float32, []float32, error) {
	V, H := model.Config.V, model.Config.H
	if len(combined) != V+H {
		return nil, nil, errors.Errorf("decoder input has width %d, want %d", len(combined), V+H)
	}
	if state == nil {
		state = make([]float32, H)
	}
	if len(state) != H {
		return nil, nil, errors.Errorf("decoder state has width %d, want %d", len(state), H)
	}
	next := make([]float32, H)
	probs := make([]float32, V)
	model.decoderStep(next, probs, state, combined, 1)
	return next, probs, nil
}

// Save implements Model. The file is a snappy stream of a 256 int32 header
// followed by the parameters and the optimizer moments.
func (model *Seq2Seq) Save(w io.Writer) error {
	sw := snappy.NewBufferedWriter(w)
	header := make([]int32, 256)
	header[0] = seq2seqMagic
	header[1] = seq2seqVersion
	header[2] = int32(model.Config.V)
	header[3] = int32(model.Config.E)
	header[4] = int32(model.Config.H)
	header[5] = int32(model.Step)
	for _, data := range []any{header, model.Params.Memory, model.MMemory, model.VMemory} {
		if err := binary.Write(sw, binary.LittleEndian, data); err != nil {
			return errors.Wrapf(err, "error writing model")
		}
	}
	return sw.Close()
}

// Load implements Model. The loaded dimensions replace the model's own;
// training hyper-parameters are kept. The model is left unchanged when the
// file cannot be read.
func (model *Seq2Seq) Load(r io.Reader) error {
	sr := snappy.NewReader(r)
	header := make([]int32, 256)
	if err := binary.Read(sr, binary.LittleEndian, header); err != nil {
		return errors.Wrapf(err, "error reading model header")
	}
	if header[0] != seq2seqMagic || header[1] != seq2seqVersion {
		return errors.New("bad model file format")
	}
	V, E, H, step := int(header[2]), int(header[3]), int(header[4]), int(header[5])
	if V <= 0 || E <= 0 || H <= 0 || step < 0 {
		return errors.Errorf("bad model dimensions V=%d E=%d H=%d step=%d", V, E, H, step)
	}
	if n := int64(V)*int64(E+2*H+1) + int64(H)*int64(E+3*H+2); n > maxSeq2SeqParams {
		return errors.Errorf("model of %d parameters is too large", n)
	}

	loaded := &Seq2Seq{Config: model.Config, Step: step, Rand: model.Rand}
	loaded.Config.V, loaded.Config.E, loaded.Config.H = V, E, H
	if loaded.Rand == nil {
		loaded.Rand = rand.New(rand.NewSource(loaded.Config.Seed))
	}
	loaded.alloc()
	for _, data := range [][]float32{loaded.Params.Memory, loaded.MMemory, loaded.VMemory} {
		if err := binary.Read(sr, binary.LittleEndian, data); err != nil {
			return errors.Wrapf(err, "error reading model")
		}
	}
	*model = *loaded
	return nil
}
