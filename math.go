package dlchat

import (
	"math"
	"sync"
)

// embeddingForward looks up the embedding of every token in inp. out is
// (B, T, C), inp is (B, T) and wte is (V, C).
func embeddingForward(out []float32, inp []int32, wte []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			startOutIndex := b*T*C + t*C
			ix := int(inp[b*T+t])
			copy(out[startOutIndex:startOutIndex+C], wte[ix*C:ix*C+C])
		}
	}
}

// embeddingBackward accumulates dout into the rows of dwte used by inp.
func embeddingBackward(dwte []float32, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBTOffset := b*T*C + t*C
			dwteIxOffset := int(inp[b*T+t]) * C
			for i := 0; i < C; i++ {
				dwte[dwteIxOffset+i] += dout[doutBTOffset+i]
			}
		}
	}
}

// matmulForward computes out = inp * weight^T + bias.
// `inp` is (B, T, C), `weight` is (OC, C), `bias` is (OC) or nil and `out`
// is (B, T, OC).
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				inp_bt := inp[b*T*C+t*C:]
				out_bt := out[b*T*OC+t*OC:]
				for o := 0; o < OC; o++ {
					var val float64
					if bias != nil {
						val = float64(bias[o])
					}
					wrow := weight[o*C:]
					for i := 0; i < C; i++ {
						val += float64(inp_bt[i]) * float64(wrow[i])
					}
					out_bt[o] = float32(val)
				}
			}(b, t)
		}
	}
	wg.Wait()
}

// matmulBackward accumulates the gradients of matmulForward into dinp,
// dweight and dbias (which may be nil).
func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	// Backward into inp first, parallelize over B,T
	var wg sync.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Add(1)
			go func(b, t int) {
				defer wg.Done()
				dout_bt := dout[b*T*OC+t*OC:]
				dinp_bt := dinp[b*T*C+t*C:]
				for o := 0; o < OC; o++ {
					wrow := weight[o*C:]
					d := dout_bt[o]
					for i := 0; i < C; i++ {
						dinp_bt[i] += wrow[i] * d
					}
				}
			}(b, t)
		}
	}
	wg.Wait()
	// Backward into weight/bias, parallelize over output channels OC
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			dwrow := dweight[o*C : o*C+C]
			for b := 0; b < B; b++ {
				for t := 0; t < T; t++ {
					dout_bt := dout[b*T*OC+t*OC:]
					inp_bt := inp[b*T*C+t*C:]
					d := dout_bt[o]
					if dbias != nil {
						dbias[o] += d
					}
					if d == 0 {
						continue
					}
					for i := 0; i < C; i++ {
						dwrow[i] += inp_bt[i] * d
					}
				}
			}
		}(o)
	}
	wg.Wait()
}

func softmaxForward(probs, logits []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*V + t*V
			logitsBT := logits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]

			// Numerical Stability
			maxval := float32(math.Inf(-1))
			for i := 0; i < V; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}

			sum := 0.0
			for i := 0; i < V; i++ {
				probsBT[i] = float32(math.Exp(float64(logitsBT[i] - maxval)))
				sum += float64(probsBT[i])
			}

			for i := 0; i < V; i++ {
				probsBT[i] /= float32(sum)
			}
		}
	}
}

// crossEntropyForward computes the negative log likelihood of every target.
// Probabilities are clamped away from zero so the loss stays finite.
func crossEntropyForward(losses []float32, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			startIndex := b*T*V + t*V
			ix := int(targets[b*T+t])
			prob := max(probs[startIndex+ix], 1e-12)
			losses[b*T+t] = float32(-math.Log(float64(prob)))
		}
	}
}

func crossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*V + t*V
			dlogitsBT := dlogits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]
			dloss := dlosses[b*T+t]
			if dloss == 0 {
				continue
			}
			ix := targets[b*T+t]

			for i := 0; i < V; i++ {
				p := probsBT[i]
				var indicator float32
				if int32(i) == ix {
					indicator = 1.0
				}
				dlogitsBT[i] += (p - indicator) * dloss
			}
		}
	}
}

func tanhForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = Tanh(inp[i])
	}
}

// tanhBackward takes the forward output rather than its input: the local
// gradient of tanh is 1 - out^2.
func tanhBackward(dinp, out, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp[i] += (1 - out[i]*out[i]) * dout[i]
	}
}
