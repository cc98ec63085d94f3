// Package audio holds the PCM plumbing shared by the server, the recognizers,
// and the microphone client: sample conversion helpers and resampling to the
// fixed recognizer rate ([TargetSampleRate]).
//
// All PCM in this package is signed 16-bit little-endian, mono unless a
// function says otherwise.
package audio

import "encoding/binary"

// BytesToSamples decodes little-endian int16 PCM. A trailing odd byte is
// ignored.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian int16 PCM.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// SamplesToFloat32 converts int16 samples to float32 normalised to [-1, 1).
func SamplesToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// StereoToMono averages interleaved L/R int16 pairs into mono samples. A
// trailing unpaired sample is dropped.
func StereoToMono(samples []int16) []int16 {
	frames := len(samples) / 2
	out := make([]int16, frames)
	for i := range frames {
		avg := (int32(samples[i*2]) + int32(samples[i*2+1])) / 2
		out[i] = int16(avg)
	}
	return out
}

// DurationMs returns the playback length of n samples at rate in milliseconds.
// Returns 0 for a non-positive rate.
func DurationMs(n, rate int) int {
	if rate <= 0 {
		return 0
	}
	return n * 1000 / rate
}
