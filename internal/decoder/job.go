package decoder

import (
	"fmt"
	"io"
	"sync/atomic"
)

// LoopState is the engine-wide "loop override" / "global loop" pair every
// job consults at each out-point crossing (spec.md §4.1 loop semantics
// under override). It is shared by pointer across all jobs so a single
// SetLoopOverride/SetGlobalLoop command takes effect for every active job
// on its next boundary check, without the facade reaching into job
// internals.
type LoopState struct {
	Override atomic.Bool
	Global   atomic.Bool
}

// Job is one decode job's mutable state: an open media container, a credit
// counter the mixer tops up via BufferRequest, a decode cursor measured in
// target-rate frames produced since the last in-point/loop seek, and the
// loop-restart / eof flags surfaced on the next chunk (spec.md §3).
type Job struct {
	CueID    string
	TrackID  string
	FilePath string

	loopEnabled bool
	loopState   *LoopState

	src            *source
	targetChannels int
	sourceRate     int
	targetRate     int

	inFrame        uint64 // source-rate frame the cue starts at
	effectiveOut   uint64 // target-rate frames from the in-point to the out-point
	cursor         uint64 // target-rate frames produced since the last seek

	credit  atomic.Int64
	loopPending atomic.Bool // set after a wrap; consumed by the next chunk
	eof     atomic.Bool
}

// NewJob opens path and seeks to inFrame, ready to decode.
func NewJob(cueID, trackID, filePath string, inFrame uint64, outFrame *uint64, loopEnabled bool, loopState *LoopState, targetRate, targetChannels int) (*Job, error) {
	src, err := openSource(filePath, targetRate)
	if err != nil {
		return nil, err
	}
	// seekTo discards ~10ms of decoded audio to settle the underlying
	// decoder after any seek (source.go); a fresh-opened source is already
	// positioned at frame 0, so only seek when in-frame is actually
	// nonzero (spec.md §4.2: "on DecodeStart with in-frame > 0").
	if inFrame > 0 {
		if err := src.seekTo(inFrame); err != nil {
			src.close()
			return nil, err
		}
	}

	sourceRate := int(src.format.SampleRate)
	effectiveOutSource := src.clampOut(outFrame)
	effectiveOutTarget := rescaleFrames(effectiveOutSource, inFrame, sourceRate, targetRate)

	return &Job{
		CueID:          cueID,
		TrackID:        trackID,
		FilePath:       filePath,
		loopEnabled:    loopEnabled,
		loopState:      loopState,
		src:            src,
		targetChannels: targetChannels,
		sourceRate:     sourceRate,
		targetRate:     targetRate,
		inFrame:        inFrame,
		effectiveOut:   effectiveOutTarget,
	}, nil
}

// rescaleFrames converts a [inFrame, outFrame) span measured in source-rate
// samples to its length in target-rate samples. Resampling means this is an
// approximation, not a sample-exact mapping — acceptable given spec.md's own
// non-goal of "sample-rate conversion quality beyond what the decoder
// library provides".
func rescaleFrames(outFrame, inFrame uint64, sourceRate, targetRate int) uint64 {
	if outFrame < inFrame {
		outFrame = inFrame
	}
	span := outFrame - inFrame
	if sourceRate == targetRate || sourceRate == 0 {
		return span
	}
	return uint64(float64(span) * float64(targetRate) / float64(sourceRate))
}

// AddCredit authorizes the job to decode up to frames more target-rate
// samples before it must pause (spec.md §4.2 flow control).
func (j *Job) AddCredit(frames int) {
	j.credit.Add(int64(frames))
}

// EOF reports whether this job has terminated (natural end or forced stop).
func (j *Job) EOF() bool { return j.eof.Load() }

// HasCredit reports whether the job has positive credit and has not yet
// reached EOF — the condition the worker's round-robin scheduler checks
// before picking a job for its next iteration (spec.md §4.2 topology).
func (j *Job) HasCredit() bool {
	return !j.EOF() && j.credit.Load() > 0
}

// Close releases the underlying media container.
func (j *Job) Close() error {
	return j.src.close()
}

// SetLoopEnabled updates the job's own loop flag (spec.md §4.1 UpdateCue);
// the effective-loop predicate re-evaluates it on the job's next boundary
// crossing, so disabling loop mid-playback never cuts a cue off immediately.
func (j *Job) SetLoopEnabled(enabled bool) {
	j.loopEnabled = enabled
}

// SetInFrame updates the in-point a future loop wrap seeks back to; it does
// not rewind a job already mid-playback.
func (j *Job) SetInFrame(inFrame uint64) {
	j.inFrame = inFrame
}

// SetOutFrame recomputes the target-rate out-point boundary this job drains
// to or loops at (spec.md §4.1 UpdateCue). outFrame nil means end-of-file.
func (j *Job) SetOutFrame(outFrame *uint64) {
	effectiveOutSource := j.src.clampOut(outFrame)
	j.effectiveOut = rescaleFrames(effectiveOutSource, j.inFrame, j.sourceRate, j.targetRate)
}

// effectiveLoop implements the shared predicate from spec.md §4.1:
// cue.loop_enabled OR (override_enabled AND global_loop_enabled).
func (j *Job) effectiveLoop() bool {
	if j.loopEnabled {
		return true
	}
	return j.loopState.Override.Load() && j.loopState.Global.Load()
}

// DecodeSlice decodes one chunk: up to sliceCap frames, bounded by the
// job's remaining credit and by its out-point, looping back to the in-point
// if the effective-loop predicate holds when the boundary is crossed
// (spec.md §4.2).
func (j *Job) DecodeSlice(sliceCap int) (Chunk, error) {
	if j.EOF() {
		return Chunk{}, io.EOF
	}

	want := int(j.credit.Load())
	if want <= 0 {
		return Chunk{}, errNoCredit
	}
	if want > sliceCap {
		want = sliceCap
	}
	if j.cursor >= j.effectiveOut {
		want = 0
	} else if remaining := j.effectiveOut - j.cursor; uint64(want) > remaining {
		want = int(remaining)
	}

	frames := make([][2]float64, want)
	n := 0
	ok := true
	if want > 0 {
		n, ok = j.src.stream(frames)
	}
	j.cursor += uint64(n)
	j.credit.Add(-int64(n))

	chunk := Chunk{
		CueID:         j.CueID,
		TrackID:       j.TrackID,
		PCM:           interleave(frames[:n], j.targetChannels),
		IsLoopRestart: j.loopPending.Swap(false),
	}

	crossedBoundary := j.cursor >= j.effectiveOut || !ok
	if crossedBoundary {
		if j.effectiveLoop() {
			// The discard-after-seek penalty (spec.md §4.2) only applies
			// when the wrap target is a genuine non-zero in-point; a
			// zero in-frame loop still has to reposition the stream back
			// to its start, just without masking anything.
			if j.inFrame > 0 {
				if err := j.src.seekTo(j.inFrame); err != nil {
					j.eof.Store(true)
					return chunk, fmt.Errorf("loop seek: %w", err)
				}
			} else if err := j.src.rewind(); err != nil {
				j.eof.Store(true)
				return chunk, fmt.Errorf("loop rewind: %w", err)
			}
			j.cursor = 0
			j.loopPending.Store(true)
		} else {
			j.eof.Store(true)
			chunk.EOF = true
		}
	}

	return chunk, nil
}

// errNoCredit is returned by DecodeSlice when the job has no credit to
// spend; it is not a failure, just "nothing to do this iteration".
var errNoCredit = fmt.Errorf("decoder: job has no credit")

// ErrNoCredit reports whether err is the no-credit sentinel.
func ErrNoCredit(err error) bool { return err == errNoCredit }

// interleave converts n stereo frames to interleaved float32 at
// targetChannels: truncated if fewer channels are wanted, zero-padded if
// more (spec.md §4.2 channel normalization).
func interleave(frames [][2]float64, targetChannels int) []float32 {
	out := make([]float32, len(frames)*targetChannels)
	for i, f := range frames {
		base := i * targetChannels
		switch {
		case targetChannels == 1:
			out[base] = float32(f[0])
		case targetChannels >= 2:
			out[base] = float32(f[0])
			out[base+1] = float32(f[1])
			// channels beyond stereo are left silent (zero-padded).
		}
	}
	return out
}
