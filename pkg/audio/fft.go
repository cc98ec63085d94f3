package audio

import (
	"math"
	"math/bits"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// maxSmoothFactor is the largest prime factor a transform length may have
// before the chirp-z path is used. The mixed-radix FFT does O(n*p) work for
// a prime factor p.
const maxSmoothFactor = 7

// smooth reports whether n has no prime factor above maxSmoothFactor.
func smooth(n int) bool {
	for _, p := range []int{2, 3, 5, 7} {
		for n%p == 0 {
			n /= p
		}
	}
	return n == 1
}

// realForward returns the n/2+1 unnormalized coefficients of the real
// sequence seq, matching [fourier.FFT.Coefficients].
func realForward(seq []float64) []complex128 {
	n := len(seq)
	if smooth(n) {
		return fourier.NewFFT(n).Coefficients(nil, seq)
	}
	x := make([]complex128, n)
	for i, v := range seq {
		x[i] = complex(v, 0)
	}
	return bluestein(x)[:n/2+1]
}

// realInverse returns the length m real sequence for the half spectrum
// coeff, unnormalized like [fourier.FFT.Sequence].
func realInverse(coeff []complex128, m int) []float64 {
	if smooth(m) {
		return fourier.NewFFT(m).Sequence(nil, coeff)
	}
	// Rebuild the Hermitian spectrum; the inverse DFT is the conjugate of the
	// forward DFT of the conjugate.
	full := make([]complex128, m)
	for k, c := range coeff {
		full[k] = cmplx.Conj(c)
	}
	for k := 1; k < (m+1)/2; k++ {
		full[m-k] = coeff[k]
	}
	// The DC and, for even m, the Nyquist bin of a real sequence are real.
	full[0] = complex(real(full[0]), 0)
	if m%2 == 0 {
		full[m/2] = complex(real(full[m/2]), 0)
	}
	res := bluestein(full)
	out := make([]float64, m)
	for i, v := range res {
		out[i] = real(v)
	}
	return out
}

// bluestein computes the unnormalized forward DFT of x for any length as a
// convolution of power-of-two length.
func bluestein(x []complex128) []complex128 {
	n := len(x)
	if n == 1 {
		return []complex128{x[0]}
	}
	size := 1 << bits.Len(uint(2*n-2))

	// chirp[k] = exp(-i*pi*k^2/n). k^2 is reduced mod 2n to keep the angle
	// small for large k.
	chirp := make([]complex128, n)
	for k := range chirp {
		sq := (k * k) % (2 * n)
		chirp[k] = cmplx.Exp(complex(0, -math.Pi*float64(sq)/float64(n)))
	}

	a := make([]complex128, size)
	for k, v := range x {
		a[k] = v * chirp[k]
	}
	b := make([]complex128, size)
	b[0] = cmplx.Conj(chirp[0])
	for k := 1; k < n; k++ {
		c := cmplx.Conj(chirp[k])
		b[k] = c
		b[size-k] = c
	}

	fft := fourier.NewCmplxFFT(size)
	fa := fft.Coefficients(nil, a)
	fb := fft.Coefficients(nil, b)
	for i := range fa {
		fa[i] *= fb[i]
	}
	conv := fft.Sequence(nil, fa)

	scale := complex(1/float64(size), 0)
	out := make([]complex128, n)
	for k := range out {
		out[k] = conv[k] * scale * chirp[k]
	}
	return out
}
