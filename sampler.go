package dlchat

// sampleCDF picks an index of probabilities by inverse transform sampling:
// the first index with non-zero mass at which the running sum reaches coin,
// which must be in [0, 1). Rounding may leave the total below coin, in which
// case the last index with non-zero mass is returned.
func sampleCDF(probabilities []float32, coin float64) int {
	var cdf float64
	last := len(probabilities) - 1
	for i, prob := range probabilities {
		if prob <= 0 {
			continue
		}
		cdf += float64(prob)
		last = i
		if coin <= cdf {
			return i
		}
	}
	return last
}
