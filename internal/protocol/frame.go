// Package protocol implements the voxrelay wire format.
//
// Inbound audio travels as binary websocket messages, one [Frame] per
// message:
//
//	+-------------------+----------------------+-------------------------+
//	| L: uint32 (LE)    | L bytes of JSON      | int16 LE PCM samples    |
//	|                   | {"sampleRate": 8000} | (even number of bytes)  |
//	+-------------------+----------------------+-------------------------+
//
// Outbound results travel as JSON text messages, see [Message].
//
// Decoding is stateless: each call to [Decode] sees exactly one complete
// message and nothing is buffered between calls.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// headerSize is the length of the metadata length prefix.
const headerSize = 4

// Sentinel errors matched by [DecodeError] through errors.Is.
var (
	ErrTruncated       = errors.New("protocol: truncated frame")
	ErrInvalidMetadata = errors.New("protocol: invalid frame metadata")
	ErrInvalidPayload  = errors.New("protocol: invalid frame payload")
)

// DecodeErrorKind classifies a [DecodeError].
type DecodeErrorKind int

const (
	// Truncated means the message is shorter than its length prefix claims.
	Truncated DecodeErrorKind = iota + 1

	// InvalidMetadata means the metadata is not a JSON object with a positive
	// integer sampleRate.
	InvalidMetadata

	// InvalidPayload means the PCM payload has an odd number of bytes.
	InvalidPayload
)

// String returns the kind as used in log records and metric labels.
func (k DecodeErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case InvalidMetadata:
		return "invalid_metadata"
	case InvalidPayload:
		return "invalid_payload"
	}
	return "unknown"
}

func (k DecodeErrorKind) sentinel() error {
	switch k {
	case Truncated:
		return ErrTruncated
	case InvalidMetadata:
		return ErrInvalidMetadata
	case InvalidPayload:
		return ErrInvalidPayload
	}
	return nil
}

// DecodeError is returned by [Decode]. It is frame-level and recoverable:
// the frame is unusable but the stream may continue.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind.sentinel(), e.Err)
	}
	return e.Kind.sentinel().Error()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func decodeErr(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Metadata is the JSON header of a frame.
type Metadata struct {
	SampleRate int `json:"sampleRate"`
}

// Frame is one decoded audio message.
type Frame struct {
	// SampleRate is the rate the payload was captured at, in Hz.
	SampleRate int

	// Payload is the raw int16 little-endian PCM. It aliases the slice
	// passed to Decode.
	Payload []byte
}

// Samples decodes the payload into int16 samples.
func (f Frame) Samples() []int16 {
	return audio.BytesToSamples(f.Payload)
}

// Decode parses one wire message. It never panics and never reads past the
// end of b; every failure is a *[DecodeError].
func Decode(b []byte) (Frame, error) {
	if len(b) < headerSize {
		return Frame{}, decodeErr(Truncated, "need %d header bytes, have %d", headerSize, len(b))
	}
	l := uint64(binary.LittleEndian.Uint32(b[:headerSize]))
	if uint64(len(b)-headerSize) < l {
		return Frame{}, decodeErr(Truncated, "metadata length %d exceeds remaining %d bytes", l, len(b)-headerSize)
	}
	end := headerSize + int(l)

	rate, err := parseMetadata(b[headerSize:end])
	if err != nil {
		return Frame{}, &DecodeError{Kind: InvalidMetadata, Err: err}
	}

	payload := b[end:]
	if len(payload)%2 != 0 {
		return Frame{}, decodeErr(InvalidPayload, "odd payload length %d", len(payload))
	}
	return Frame{SampleRate: rate, Payload: payload}, nil
}

// parseMetadata accepts any JSON number for sampleRate but requires it to be
// a positive integer that fits in an int32.
func parseMetadata(raw []byte) (int, error) {
	var m struct {
		SampleRate json.RawMessage `json:"sampleRate"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&m); err != nil {
		return 0, err
	}
	if dec.More() {
		return 0, errors.New("trailing data after metadata object")
	}
	v := bytes.TrimSpace(m.SampleRate)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return 0, errors.New("missing sampleRate")
	}
	f, err := strconv.ParseFloat(string(v), 64)
	if err != nil {
		return 0, fmt.Errorf("sampleRate %s is not a number", v)
	}
	if f <= 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, fmt.Errorf("sampleRate %s is not a positive integer", v)
	}
	return int(f), nil
}

// Encode builds a wire message. It is the inverse of [Decode].
func Encode(sampleRate int, payload []byte) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("protocol: encode: sample rate %d must be positive", sampleRate)
	}
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("protocol: encode: %w: odd length %d", ErrInvalidPayload, len(payload))
	}
	meta, err := json.Marshal(Metadata{SampleRate: sampleRate})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode metadata: %w", err)
	}
	out := make([]byte, headerSize, headerSize+len(meta)+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(meta)))
	out = append(out, meta...)
	out = append(out, payload...)
	return out, nil
}

// EncodeSamples is [Encode] for int16 samples.
func EncodeSamples(sampleRate int, pcm []int16) ([]byte, error) {
	return Encode(sampleRate, audio.SamplesToBytes(pcm))
}
