package utterance

import (
	"slices"

	"github.com/MrWong99/voxrelay/pkg/provider/recognizer"
)

type actionKind int

const (
	actionNone actionKind = iota
	actionStart
	actionStop
	actionSnapshot
)

// action is what the segmenter asks the recognizer to do after a frame.
// For actionStop, pcm is nil when the recording was too short to keep.
type action struct {
	kind actionKind
	pcm  []int16
}

// segmenter is the recording state machine. It is driven one VAD frame at a
// time and keeps its clock in samples.
type segmenter struct {
	frame       int
	preMax      int
	postSilence int
	minLen      int
	minGap      int
	interval    int

	pos        int
	recording  bool
	pre        []int16
	rec        []int16
	silence    int
	stoppedAt  int
	hasStopped bool
	lastSnap   int
}

func newSegmenter(cfg recognizer.Config, frame int) *segmenter {
	s := &segmenter{
		frame:       frame,
		preMax:      samplesFor(cfg.PreRecordingBuffer),
		postSilence: max(samplesFor(cfg.PostSpeechSilence), frame),
		minLen:      samplesFor(cfg.MinRecordingLength),
		minGap:      samplesFor(cfg.MinGapBetweenRecordings),
	}
	if cfg.EnableRealtime {
		s.interval = max(samplesFor(cfg.RealtimeInterval), frame)
	}
	return s
}

func (s *segmenter) step(frame []int16, speech bool) action {
	s.pos += len(frame)

	if !s.recording {
		s.pre = append(s.pre, frame...)
		if keep := s.preMax + len(frame); len(s.pre) > keep {
			s.pre = slices.Clone(s.pre[len(s.pre)-keep:])
		}
		if !speech || (s.hasStopped && s.pos-s.stoppedAt < s.minGap) {
			return action{}
		}
		s.recording = true
		s.rec, s.pre = s.pre, nil
		s.silence = 0
		s.lastSnap = s.pos
		return action{kind: actionStart}
	}

	s.rec = append(s.rec, frame...)
	if speech {
		s.silence = 0
	} else {
		s.silence += len(frame)
	}

	if s.silence >= s.postSilence {
		s.recording = false
		s.stoppedAt, s.hasStopped = s.pos, true
		rec := s.rec
		s.rec = nil
		if len(rec) < s.minLen {
			rec = nil
		}
		return action{kind: actionStop, pcm: rec}
	}

	if s.interval > 0 && s.pos-s.lastSnap >= s.interval {
		s.lastSnap = s.pos
		return action{kind: actionSnapshot, pcm: slices.Clone(s.rec)}
	}
	return action{}
}
