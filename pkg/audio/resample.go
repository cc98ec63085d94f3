package audio

import (
	"errors"
	"fmt"
	"math"
)

// TargetSampleRate is the fixed rate every recognizer consumes. It is not
// configurable per session.
const TargetSampleRate = 16000

// ErrInvalidRate is returned by [Resample] when either rate is not positive.
var ErrInvalidRate = errors.New("audio: sample rate must be positive")

// ResampledLen returns the number of samples [Resample] produces for n input
// samples: round(n * dstRate / srcRate).
func ResampledLen(n, srcRate, dstRate int) int {
	if n <= 0 || srcRate <= 0 || dstRate <= 0 {
		return 0
	}
	return int(math.Round(float64(n) * float64(dstRate) / float64(srcRate)))
}

// Resample converts 16-bit mono PCM from srcRate to dstRate in the frequency
// domain. The input spectrum is truncated (downsampling) or zero-padded
// (upsampling) to the output length, so content above the lower of the two
// Nyquist frequencies is removed instead of folding back as aliasing.
//
// When srcRate == dstRate the input slice is returned as is. Output samples
// are rounded and clipped to the int16 range. Resample keeps no state and is
// safe for concurrent use.
func Resample(pcm []int16, srcRate, dstRate int) ([]int16, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("%w: src=%d dst=%d", ErrInvalidRate, srcRate, dstRate)
	}
	if srcRate == dstRate {
		return pcm, nil
	}
	n := len(pcm)
	m := ResampledLen(n, srcRate, dstRate)
	if n == 0 || m == 0 {
		return []int16{}, nil
	}

	seq := make([]float64, n)
	for i, s := range pcm {
		seq[i] = float64(s)
	}
	spectrum := realForward(seq)

	out := make([]complex128, m/2+1)
	shared := min(n, m)
	copy(out, spectrum[:shared/2+1])

	// With an even number of shared bins the Nyquist component is split
	// between the positive and negative halves on one side only.
	if shared%2 == 0 {
		nyq := shared / 2
		if m < n {
			out[nyq] *= 2
		} else {
			out[nyq] *= 0.5
		}
	}

	res := realInverse(out, m)

	// Both FFT directions are unnormalized; 1/n restores the input amplitude.
	scale := 1 / float64(n)
	dst := make([]int16, m)
	for i, v := range res {
		dst[i] = clip16(math.Round(v * scale))
	}
	return dst, nil
}

// clip16 saturates v to the int16 range.
func clip16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
