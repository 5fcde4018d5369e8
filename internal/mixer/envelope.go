package mixer

import (
	"math"

	"github.com/cuegrid/engine/internal/protocol"
)

// stopThreshold is the linear amplitude below which a fade-to-silence is
// treated as complete and the cue is marked for removal (spec.md §4.3
// step 3: "target is -inf dB (i.e., amplitude <= stop_threshold, e.g.
// 1e-5)").
const stopThreshold = 1e-5

// negativeInfinityDB is the sentinel FadeCue/StopCue target that means
// "fade to silence".
const negativeInfinityDB = float32(math.Inf(-1))

// envelope is a per-cue gain transition in flight: start/target gain in
// linear amplitude, elapsed/total frame counts, and the interpolation
// curve (spec.md §3 "Per-cue output state").
type envelope struct {
	startGain  float64
	targetGain float64
	elapsed    uint64
	total      uint64
	curve      protocol.FadeCurve
}

// newEnvelope builds an envelope from the current gain to targetDB over
// durationMS at sampleRate. A non-positive duration applies the target
// instantly (spec.md §4.1 FadeCue: "duration<=0 -> target applied
// instantly").
func newEnvelope(currentGain float64, targetDB float32, durationMS uint32, curve protocol.FadeCurve, sampleRate int) envelope {
	target := dbToLinear(targetDB)
	total := uint64(durationMS) * uint64(sampleRate) / 1000
	if total == 0 {
		return envelope{startGain: target, targetGain: target, elapsed: 0, total: 0, curve: curve}
	}
	return envelope{startGain: currentGain, targetGain: target, elapsed: 0, total: total, curve: curve}
}

// dbToLinear converts decibels to linear amplitude. -Inf dB maps to exact
// zero rather than a denormal float, so stopThreshold comparisons are
// never fooled by floating-point noise.
func dbToLinear(db float32) float64 {
	if math.IsInf(float64(db), -1) {
		return 0
	}
	return math.Pow(10, float64(db)/20)
}

// negativeInfinityDBFloor is what linearToDB reports for a silent (zero or
// sub-floor) amplitude, in lieu of an actual -Inf which JSON can't encode
// (protocol.MasterLevels is wire-serialized telemetry).
const negativeInfinityDBFloor = float32(-100)

// linearToDB converts linear amplitude to decibels, the inverse of
// dbToLinear. Amplitudes at or below stopThreshold floor out at
// negativeInfinityDBFloor instead of producing -Inf or NaN.
func linearToDB(amplitude float32) float32 {
	if amplitude <= stopThreshold {
		return negativeInfinityDBFloor
	}
	return float32(20 * math.Log10(float64(amplitude)))
}

// done reports whether the envelope has reached its target.
func (e envelope) done() bool { return e.elapsed >= e.total }

// gainAtProgress evaluates the curve at normalized progress t in [0, 1].
func (e envelope) gainAtProgress(t float64) float64 {
	switch e.curve {
	case protocol.CurveEqualPower:
		return e.startGain*math.Cos(math.Pi/2*t) + e.targetGain*math.Sin(math.Pi/2*t)
	default: // protocol.CurveLinear and any unrecognized value
		return e.startGain + (e.targetGain-e.startGain)*t
	}
}

// advance returns the gain to apply at the current elapsed position, then
// moves the cursor forward by one frame. Once done(), it returns the
// target gain unconditionally — callers should stop calling advance for a
// cue once advanceBlock reports completion (see advanceBlock).
func (e *envelope) advance() float64 {
	if e.done() {
		return e.targetGain
	}
	t := float64(e.elapsed) / float64(e.total)
	g := e.gainAtProgress(t)
	e.elapsed++
	return g
}

// advanceBlock evaluates n frames of gain into dst (linear amplitude per
// frame) and reports whether the envelope completed within this block and
// whether it completed to silence (spec.md §4.3 step 3: "if fade completes
// this block, snap gain to target and, if target is -inf dB ... mark cue
// for removal").
func (e *envelope) advanceBlock(dst []float64) (completed, toSilence bool) {
	for i := range dst {
		if e.done() {
			dst[i] = e.targetGain
			continue
		}
		dst[i] = e.advance()
	}
	if e.done() {
		completed = true
		toSilence = e.targetGain <= stopThreshold
	}
	return completed, toSilence
}
