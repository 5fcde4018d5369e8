package decoder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/flac"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/vorbis"
	"github.com/gopxl/beep/wav"
)

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// resampleQuality is beep's linear-interpolation quality knob for
// beep.Resample; 4 is the library's own recommended default for voice/music
// playback (higher values cost more CPU per worker for diminishing audible
// improvement — spec.md explicitly places "sample-rate conversion quality
// beyond what the decoder library provides" out of scope).
const resampleQuality = 4

// seekDiscardMS is how much decoded audio to discard after a seek to mask
// pre-seek artifacts (spec.md §4.2 seek policy).
const seekDiscardMS = 10

// source wraps an open, decoded, resampled media stream together with the
// format metadata the decoder worker needs for seek/boundary math.
type source struct {
	streamer     beep.StreamSeekCloser
	format       beep.Format
	resampled    beep.Streamer
	targetRate   beep.SampleRate
	totalSamples int // streamer.Len(), in source-rate samples
}

// openSource opens path, detects its codec by extension, and wraps the
// decoded stream with a resampler to targetRate. It does not perform the
// in-point seek; callers do that explicitly so job.go can account for the
// discard-after-seek policy uniformly for both DecodeStart and loop wraps.
func openSource(path string, targetRate int) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var streamer beep.StreamSeekCloser
	var format beep.Format

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		streamer, format, err = wav.Decode(f)
	case ".mp3":
		streamer, format, err = mp3.Decode(f)
	case ".flac":
		streamer, format, err = flac.Decode(f)
	case ".ogg":
		streamer, format, err = vorbis.Decode(f)
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported media extension %q", ext)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if format.NumChannels < 1 {
		streamer.Close()
		return nil, fmt.Errorf("%s: no audio stream (0 channels)", path)
	}

	rate := beep.SampleRate(targetRate)
	resampled := beep.Streamer(streamer)
	if format.SampleRate != rate {
		resampled = beep.Resample(resampleQuality, format.SampleRate, rate, streamer)
	}

	return &source{
		streamer:     streamer,
		format:       format,
		resampled:    resampled,
		targetRate:   rate,
		totalSamples: streamer.Len(),
	}, nil
}

// seekTo seeks the underlying streamer to frame (in source-rate samples,
// clamped to the stream length) and discards seekDiscardMS of decoded audio
// to mask pre-seek artifacts, per spec.md §4.2.
func (s *source) seekTo(frame uint64) error {
	pos := int(frame)
	if pos > s.totalSamples {
		pos = s.totalSamples
	}
	if err := s.streamer.Seek(pos); err != nil {
		return fmt.Errorf("seek to frame %d: %w", frame, err)
	}
	discard := int(s.format.SampleRate.N(msDuration(seekDiscardMS)))
	buf := make([][2]float64, discard)
	s.resampled.Stream(buf) // best-effort; EOF here just means a very short file
	return nil
}

// rewind seeks the underlying streamer back to frame 0 without discarding
// any decoded audio. It exists for the in-frame == 0 loop-wrap case: the
// stream must still be repositioned after EOF, but spec.md §4.2's
// discard-after-seek policy only applies when the wrap target is a genuine
// non-zero in-point.
func (s *source) rewind() error {
	if err := s.streamer.Seek(0); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}
	return nil
}

// stream reads up to len(dst) stereo frames at the target rate. It returns
// the number of frames produced and whether the stream is not yet
// exhausted (mirrors beep.Streamer.Stream's contract).
func (s *source) stream(dst [][2]float64) (int, bool) {
	return s.resampled.Stream(dst)
}

func (s *source) close() error {
	return s.streamer.Close()
}

// clampOut returns the effective out-frame for the cue: either the
// explicit out-point or the stream's natural length, whichever is smaller
// (spec.md §8: "out_frame > file length ⇒ treated as file length").
func (s *source) clampOut(out *uint64) uint64 {
	total := uint64(s.totalSamples)
	if out == nil || *out > total {
		return total
	}
	return *out
}
