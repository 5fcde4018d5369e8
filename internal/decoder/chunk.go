package decoder

// Chunk is the unit a decoder worker hands to the mixer (spec.md §4.2):
// interleaved float32 PCM at the target sample rate/channel count, plus the
// flags the mixer needs to finalize or re-key a cue's output state.
type Chunk struct {
	CueID         string
	TrackID       string
	PCM           []float32 // interleaved, len = frames*targetChannels
	EOF           bool
	IsLoopRestart bool
}
