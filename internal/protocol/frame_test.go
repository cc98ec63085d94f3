package protocol_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/voxrelay/internal/protocol"
)

// rawFrame builds a message with an arbitrary metadata body and length prefix.
func rawFrame(prefix uint32, meta string, payload []byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, prefix)
	b = append(b, meta...)
	return append(b, payload...)
}

func TestDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rate    int
		payload []byte
	}{
		{"empty payload", 16000, []byte{}},
		{"one sample", 8000, []byte{0x01, 0x80}},
		{"odd rate", 44100, []byte{1, 2, 3, 4, 5, 6}},
		{"high rate", 192000, make([]byte, 4096)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wire, err := protocol.Encode(tt.rate, tt.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			f, err := protocol.Decode(wire)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if f.SampleRate != tt.rate {
				t.Errorf("SampleRate = %d, want %d", f.SampleRate, tt.rate)
			}
			if diff := cmp.Diff(tt.payload, f.Payload); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_ExtraMetadataFieldsIgnored(t *testing.T) {
	t.Parallel()

	meta := `{"sampleRate": 48000, "channels": 1}`
	f, err := protocol.Decode(rawFrame(uint32(len(meta)), meta, []byte{0, 0}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", f.SampleRate)
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	meta := `{"sampleRate":8000}`
	tests := []struct {
		name string
		msg  []byte
		kind protocol.DecodeErrorKind
		want error
	}{
		{"empty", nil, protocol.Truncated, protocol.ErrTruncated},
		{"short prefix", []byte{1, 0}, protocol.Truncated, protocol.ErrTruncated},
		{"length exceeds message", rawFrame(uint32(len(meta)+1), meta, nil), protocol.Truncated, protocol.ErrTruncated},
		{"huge length", rawFrame(0xFFFFFFFF, meta, nil), protocol.Truncated, protocol.ErrTruncated},
		{"malformed json", rawFrame(9, `{"sample`, []byte{0}), protocol.InvalidMetadata, protocol.ErrInvalidMetadata},
		{"empty metadata", rawFrame(0, "", nil), protocol.InvalidMetadata, protocol.ErrInvalidMetadata},
		{"missing rate", rawFrame(2, `{}`, nil), protocol.InvalidMetadata, protocol.ErrInvalidMetadata},
		{"zero rate", rawFrame(16, `{"sampleRate":0}`, nil), protocol.InvalidMetadata, protocol.ErrInvalidMetadata},
		{"negative rate", rawFrame(19, `{"sampleRate":-8000}`, nil), protocol.InvalidMetadata, protocol.ErrInvalidMetadata},
		{"fractional rate", rawFrame(21, `{"sampleRate":8000.5}`, nil), protocol.InvalidMetadata, protocol.ErrInvalidMetadata},
		{"string rate", rawFrame(21, `{"sampleRate":"8000"}`, nil), protocol.InvalidMetadata, protocol.ErrInvalidMetadata},
		{"array metadata", rawFrame(6, `[8000]`, nil), protocol.InvalidMetadata, protocol.ErrInvalidMetadata},
		{"odd payload", rawFrame(uint32(len(meta)), meta, []byte{1, 2, 3}), protocol.InvalidPayload, protocol.ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := protocol.Decode(tt.msg)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var de *protocol.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err = %T, want *DecodeError", err)
			}
			if de.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", de.Kind, tt.kind)
			}
		})
	}
}

func TestFrame_Samples(t *testing.T) {
	t.Parallel()

	pcm := make([]int16, 8000)
	for i := range pcm {
		pcm[i] = int16(i*7 - 20000)
	}
	wire, err := protocol.EncodeSamples(8000, pcm)
	if err != nil {
		t.Fatalf("EncodeSamples: %v", err)
	}
	f, err := protocol.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(pcm, f.Samples()); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := protocol.Encode(16000, []byte{1}); !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Errorf("odd payload: err = %v, want ErrInvalidPayload", err)
	}
	if _, err := protocol.Encode(0, nil); err == nil {
		t.Error("zero rate: expected error")
	}
}

func TestDecodeErrorKind_String(t *testing.T) {
	t.Parallel()

	for kind, want := range map[protocol.DecodeErrorKind]string{
		protocol.Truncated:       "truncated",
		protocol.InvalidMetadata: "invalid_metadata",
		protocol.InvalidPayload:  "invalid_payload",
	} {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}
