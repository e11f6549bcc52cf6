package dlchat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParameterTensors_Init(t *testing.T) {
	V, E, H := 5, 3, 2
	var params ParameterTensors
	params.Init(V, E, H)

	want := V*E + H*E + H*H + H + H*(V+H) + H*H + H + V*H + V
	assert.Equal(t, want, params.Len())

	for i := range params.Memory {
		params.Memory[i] = float32(i)
	}
	assert.Equal(t, []int{V, E}, params.EncEmbed.dims)
	assert.Equal(t, float32(0), params.EncEmbed.data[0])
	assert.Equal(t, float32(V*E), params.EncInputW.data[0])
	assert.Equal(t, []int{H, V + H}, params.DecInputW.dims)
	assert.Equal(t, float32(want-V), params.OutB.data[0])
	assert.Len(t, params.OutB.data, V)
}

func Test_newTensor(t *testing.T) {
	type args struct {
		data []float32
		dims []int
	}
	tests := []struct {
		name  string
		args  args
		want  tensor
		want1 int
	}{
		{
			name: "prefix",
			args: args{
				data: []float32{
					1, 2, 3, 4, 5,
				},
				dims: []int{
					2, 2,
				},
			},
			want: tensor{
				data: []float32{1, 2, 3, 4},
				dims: []int{2, 2},
			},
			want1: 4,
		},
		{
			name: "vector",
			args: args{
				data: []float32{1, 2, 3},
				dims: []int{3},
			},
			want: tensor{
				data: []float32{1, 2, 3},
				dims: []int{3},
			},
			want1: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, got1 := newTensor(tt.args.data, tt.args.dims...)
			assert.Equalf(t, tt.want, got, "newTensor(%v, %v)", tt.args.data, tt.args.dims)
			assert.Equalf(t, tt.want1, got1, "newTensor(%v, %v)", tt.args.data, tt.args.dims)
			assert.Equal(t, tt.want1, got.size())
		})
	}

	assert.Panics(t, func() { newTensor([]float32{1}, 2, 2) })
}
