package audio

// ResampleLinear resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation between neighbouring input samples. It produces the
// same output length as [Resample] but applies no anti-aliasing filter, so
// input content above the output Nyquist frequency folds back into the audible
// band. Prefer [Resample]; this variant exists for constrained callers that
// cannot afford an FFT per frame.
//
// Invalid rates or an equal rate pair return the input unchanged.
func ResampleLinear(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) == 0 {
		return pcm
	}
	dstSamples := ResampledLen(len(pcm), srcRate, dstRate)
	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	last := len(pcm) - 1
	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= last {
			out[i] = pcm[last]
			continue
		}
		frac := srcPos - float64(srcIdx)
		s0 := float64(pcm[srcIdx])
		s1 := float64(pcm[srcIdx+1])
		out[i] = clip16(s0*(1-frac) + s1*frac)
	}
	return out
}
