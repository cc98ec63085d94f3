package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

func TestEncodeWAV(t *testing.T) {
	pcm := []int16{0, 1, -1, 32767, -32768}
	wav := audio.EncodeWAV(pcm, 16000)

	if len(wav) != 44+len(pcm)*2 {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm)*2)
	}
	for off, want := range map[int]string{0: "RIFF", 8: "WAVE", 12: "fmt ", 36: "data"} {
		if got := string(wav[off : off+4]); got != want {
			t.Errorf("tag at %d = %q, want %q", off, got, want)
		}
	}
	le := binary.LittleEndian
	checks := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"riff size", le.Uint32(wav[4:]), uint32(36 + len(pcm)*2)},
		{"format", uint32(le.Uint16(wav[20:])), 1},
		{"channels", uint32(le.Uint16(wav[22:])), 1},
		{"sample rate", le.Uint32(wav[24:]), 16000},
		{"byte rate", le.Uint32(wav[28:]), 32000},
		{"block align", uint32(le.Uint16(wav[32:])), 2},
		{"bits", uint32(le.Uint16(wav[34:])), 16},
		{"data size", le.Uint32(wav[40:]), uint32(len(pcm) * 2)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	if diff := cmp.Diff(pcm, audio.BytesToSamples(wav[44:])); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}
