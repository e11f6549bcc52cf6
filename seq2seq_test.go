package dlchat

import (
	"bytes"
	"encoding/binary"
	"math"
	"slices"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallSeq2Seq() *Seq2Seq {
	return NewSeq2Seq(Seq2SeqConfig{
		V:            8,
		E:            4,
		H:            6,
		LearningRate: 1e-2,
		Beta1:        0.9,
		Beta2:        0.95,
		Eps:          1e-8,
		ClipNorm:     5,
		Seed:         1,
	})
}

func dialogMinibatch(t *testing.T) *Minibatch {
	t.Helper()
	c := corpusOf(
		[]int32{3, 4},
		[]int32{5, 6, 7},
		[]int32{3},
		[]int32{5, 6, 7},
	)
	batches := NewMacrobatchIterator(c, 3, 1).Macrobatch()
	require.Len(t, batches, 1)
	return batches[0]
}

func TestSeq2Seq_Gradient(t *testing.T) {
	model := smallSeq2Seq()
	mb := dialogMinibatch(t)
	acts, _, err := model.Forward(mb)
	require.NoError(t, err)
	model.Backward(acts)

	const eps = 1e-3
	n := model.Params.Len()
	for i := 0; i < n; i += 7 {
		orig := model.Params.Memory[i]
		model.Params.Memory[i] = orig + eps
		_, plus, err := model.Forward(mb)
		require.NoError(t, err)
		model.Params.Memory[i] = orig - eps
		_, minus, err := model.Forward(mb)
		require.NoError(t, err)
		model.Params.Memory[i] = orig

		numeric := float64(plus-minus) / (2 * eps)
		analytic := float64(model.Grads.Memory[i])
		tolerance := math.Max(5e-3, 0.05*math.Abs(numeric))
		assert.InDeltaf(t, numeric, analytic, tolerance, "parameter %d", i)
	}
}

func TestSeq2Seq_TrainOnBatch(t *testing.T) {
	model := smallSeq2Seq()
	mb := dialogMinibatch(t)

	first, err := model.TrainOnBatch(mb)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(8), first, 1)
	var last float32
	for i := 0; i < 300; i++ {
		last, err = model.TrainOnBatch(mb)
		require.NoError(t, err)
	}
	assert.Less(t, last, first/2)
	assert.Equal(t, 301, model.TrainedBatches())

	bad := *mb
	bad.Target = append([]int32{8}, mb.Target[1:]...)
	_, err = model.TrainOnBatch(&bad)
	assert.Error(t, err)
	assert.Equal(t, 301, model.TrainedBatches())
}

func TestSeq2Seq_Decode(t *testing.T) {
	model := smallSeq2Seq()
	V, H := model.Config.V, model.Config.H

	thought, err := model.Encode([]int32{4, 3})
	require.NoError(t, err)
	assert.Len(t, thought, H)

	combined := make([]float32, V+H)
	combined[GoID] = 1
	copy(combined[V:], thought)
	state, probs, err := model.DecodeStep(nil, combined)
	require.NoError(t, err)
	assert.Len(t, state, H)
	require.Len(t, probs, V)
	var sum float32
	for _, p := range probs {
		assert.Greater(t, p, float32(0))
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-5)

	again, _, err := model.DecodeStep(make([]float32, H), combined)
	require.NoError(t, err)
	assert.Equal(t, state, again)

	_, _, err = model.DecodeStep(nil, combined[:V])
	assert.Error(t, err)
	_, _, err = model.DecodeStep(state[:1], combined)
	assert.Error(t, err)
	_, err = model.Encode([]int32{8})
	assert.Error(t, err)

	empty, err := model.Encode(nil)
	require.NoError(t, err)
	assert.Equal(t, make([]float32, H), empty)

	reply, err := NewDecoder(model, V).Respond([]int32{3, 4}, 5)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(reply), 5)
}

func TestSeq2Seq_SaveLoad(t *testing.T) {
	model := smallSeq2Seq()
	mb := dialogMinibatch(t)
	for i := 0; i < 3; i++ {
		_, err := model.TrainOnBatch(mb)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, model.Save(&buf))

	loaded := &Seq2Seq{Config: Seq2SeqConfig{LearningRate: 1e-2}}
	require.NoError(t, loaded.Load(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, float32(1e-2), loaded.Config.LearningRate)
	assert.Equal(t, 8, loaded.VocabSize())
	assert.Equal(t, 4, loaded.Config.E)
	assert.Equal(t, 6, loaded.Config.H)
	assert.Equal(t, 3, loaded.TrainedBatches())
	assert.Equal(t, model.Params.Memory, loaded.Params.Memory)
	assert.Equal(t, model.MMemory, loaded.MMemory)
	assert.Equal(t, model.VMemory, loaded.VMemory)
	assert.Equal(t, model.ParameterCount(), loaded.ParameterCount())

	want, err := model.Encode([]int32{3, 4})
	require.NoError(t, err)
	got, err := loaded.Encode([]int32{3, 4})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// loading replaces the dimensions of an existing model
	other := NewSeq2Seq(Seq2SeqConfig{V: 3, E: 2, H: 2, Seed: 2})
	require.NoError(t, other.Load(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, model.Params.Memory, other.Params.Memory)

	assert.Error(t, other.Load(bytes.NewReader([]byte("not a model"))))
	assert.Contains(t, model.String(), "trained_batches: 3")
}

func TestSeq2Seq_LoadBadHeader(t *testing.T) {
	tests := []struct {
		name    string
		dims    [4]int32 // V, E, H, step
		wantErr string
	}{
		{name: "negative vocabulary", dims: [4]int32{-8, 4, 6, 0}, wantErr: "bad model dimensions"},
		{name: "zero hidden width", dims: [4]int32{8, 4, 0, 0}, wantErr: "bad model dimensions"},
		{name: "negative step", dims: [4]int32{8, 4, 6, -1}, wantErr: "bad model dimensions"},
		{name: "huge", dims: [4]int32{1 << 30, 1 << 30, 1 << 30, 0}, wantErr: "too large"},
		{name: "truncated", dims: [4]int32{8, 4, 6, 0}, wantErr: "error reading model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := make([]int32, 256)
			header[0], header[1] = seq2seqMagic, seq2seqVersion
			copy(header[2:], tt.dims[:])
			var buf bytes.Buffer
			sw := snappy.NewBufferedWriter(&buf)
			require.NoError(t, binary.Write(sw, binary.LittleEndian, header))
			require.NoError(t, sw.Close())

			model := smallSeq2Seq()
			params := slices.Clone(model.Params.Memory)
			err := model.Load(bytes.NewReader(buf.Bytes()))
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Equal(t, 8, model.Config.V)
			assert.Equal(t, 6, model.Config.H)
			assert.Equal(t, params, model.Params.Memory)
		})
	}
}
