package dlchat

type tensor struct {
	data []float32
	dims []int
}

func newTensor(data []float32, dims ...int) (tensor, int) {
	t := tensor{dims: dims}
	s := t.size()
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	t.data = data[:s]
	return t, s
}

func (t tensor) size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// ParameterTensors are the weights of the Seq2Seq model. Memory holds all of
// them back to back so they can be saved, updated and zeroed in one go.
type ParameterTensors struct {
	Memory     []float32
	EncEmbed   tensor // (V, E) - Encoder token embeddings
	EncInputW  tensor // (H, E) - Encoder input weights
	EncHiddenW tensor // (H, H) - Encoder recurrent weights
	EncB       tensor // (H) - Encoder biases
	DecInputW  tensor // (H, V+H) - Decoder weights for the previous token (one-hot) and the thought vector
	DecHiddenW tensor // (H, H) - Decoder recurrent weights
	DecB       tensor // (H) - Decoder biases
	OutW       tensor // (V, H) - Output projection weights
	OutB       tensor // (V) - Output projection biases
}

// Init allocates the parameters for vocabulary size V, embedding width E and
// hidden width H.
func (tensor *ParameterTensors) Init(V, E, H int) {
	tensor.Memory = make([]float32,
		V*E+ // EncEmbed
			H*E+ // EncInputW
			H*H+ // EncHiddenW
			H+ // EncB
			H*(V+H)+ // DecInputW
			H*H+ // DecHiddenW
			H+ // DecB
			V*H+ // OutW
			V, // OutB
	)
	var ptr int
	memPtr := tensor.Memory
	tensor.EncEmbed, ptr = newTensor(memPtr, V, E)
	memPtr = memPtr[ptr:]
	tensor.EncInputW, ptr = newTensor(memPtr, H, E)
	memPtr = memPtr[ptr:]
	tensor.EncHiddenW, ptr = newTensor(memPtr, H, H)
	memPtr = memPtr[ptr:]
	tensor.EncB, ptr = newTensor(memPtr, H)
	memPtr = memPtr[ptr:]
	tensor.DecInputW, ptr = newTensor(memPtr, H, V+H)
	memPtr = memPtr[ptr:]
	tensor.DecHiddenW, ptr = newTensor(memPtr, H, H)
	memPtr = memPtr[ptr:]
	tensor.DecB, ptr = newTensor(memPtr, H)
	memPtr = memPtr[ptr:]
	tensor.OutW, ptr = newTensor(memPtr, V, H)
	memPtr = memPtr[ptr:]
	tensor.OutB, ptr = newTensor(memPtr, V)
	memPtr = memPtr[ptr:]
	if len(memPtr) != 0 {
		panic("something went real bad here")
	}
}

// Len is the total number of parameters.
func (tensor *ParameterTensors) Len() int {
	return len(tensor.Memory)
}
