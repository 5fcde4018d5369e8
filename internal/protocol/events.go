package protocol

// EventKind discriminates the concrete type carried by an Event envelope.
type EventKind string

const (
	KindCueStarted     EventKind = "cue_started"
	KindCueFinished    EventKind = "cue_finished"
	KindBatchCueLevels EventKind = "batch_cue_levels"
	KindBatchCueTime   EventKind = "batch_cue_time"
	KindMasterLevels   EventKind = "master_levels"
	KindDecodeError    EventKind = "decode_error"
	KindTransportState EventKind = "transport_state"
)

// Category buckets an EventKind for adapter-side polling/prioritization
// (spec.md §4.4): lifecycle events are guaranteed and ordered, telemetry is
// droppable and coalesced, diagnostics are delivered up to a per-poll cap
// and are not backlogged (the adapter drops any beyond the cap).
type Category int

const (
	CategoryLifecycle Category = iota
	CategoryTelemetry
	CategoryDiagnostic
)

// CategoryOf classifies an event for adapter routing.
func CategoryOf(e Event) Category {
	switch e.Kind() {
	case KindCueStarted, KindCueFinished:
		return CategoryLifecycle
	case KindBatchCueLevels, KindBatchCueTime, KindMasterLevels:
		return CategoryTelemetry
	default:
		return CategoryDiagnostic
	}
}

// Event is the sealed sum type of everything the engine facade may emit.
type Event interface {
	Kind() EventKind
}

// RemovalReason tags why a cue was finalized. It replaces the ad-hoc
// removal-reason strings scattered across the facade/mixer boundary in the
// source system with a single variant, finalized at the one place
// CueFinished is constructed (internal/engine/facade.go).
type RemovalReason string

const (
	ReasonEOF        RemovalReason = "eof"
	ReasonManualFade RemovalReason = "manual_fade"
	ReasonAutoFade   RemovalReason = "auto_fade"
	ReasonError      RemovalReason = "error"
	ReasonForced     RemovalReason = "forced"
)

// CueStarted is emitted once, when the first decoded chunk for a cue
// arrives at the mixer.
type CueStarted struct {
	CueID        string   `json:"cue_id"`
	TrackID      string   `json:"track_id"`
	TODStartISO  string   `json:"tod_start_iso"`
	FilePath     string   `json:"file_path"`
	TotalSeconds *float32 `json:"total_seconds,omitempty"`
}

func (CueStarted) Kind() EventKind { return KindCueStarted }

// CueInfo is the immutable snapshot bundled with CueFinished.
type CueInfo struct {
	CueID        string  `json:"cue_id"`
	TrackID      string  `json:"track_id"`
	FilePath     string  `json:"file_path"`
	DurationSec  float32 `json:"duration_sec"`
	InFrame      uint64  `json:"in_frame"`
	OutFrame     *uint64 `json:"out_frame,omitempty"`
	FadeInMS     uint32  `json:"fade_in_ms"`
	FadeOutMS    uint32  `json:"fade_out_ms"`
	TODStartISO  string  `json:"tod_start_iso"`
	TODStopISO   string  `json:"tod_stop_iso"`
}

// CueFinished is emitted exactly once per accepted PlayCue.
type CueFinished struct {
	Info   CueInfo       `json:"info"`
	Reason RemovalReason `json:"reason"`
}

func (CueFinished) Kind() EventKind { return KindCueFinished }

// CueLevel is one cue's RMS/peak snapshot over the last mixed block.
type CueLevel struct {
	RMS  float32 `json:"rms"`
	Peak float32 `json:"peak"`
}

// BatchCueLevels carries per-cue level telemetry batched for one tick.
type BatchCueLevels struct {
	Levels map[string]CueLevel `json:"levels"`
}

func (BatchCueLevels) Kind() EventKind { return KindBatchCueLevels }

// CueTime is one cue's elapsed/remaining playback time in seconds, in
// engine (untrimmed) terms; the adapter normalizes this for display.
type CueTime struct {
	ElapsedS   float32 `json:"elapsed_s"`
	RemainingS float32 `json:"remaining_s"`
}

// BatchCueTime carries per-cue elapsed/remaining telemetry batched for one
// tick.
type BatchCueTime struct {
	Times map[string]CueTime `json:"times"`
}

func (BatchCueTime) Kind() EventKind { return KindBatchCueTime }

// MasterLevels carries the post-mix master RMS/peak, per channel, in dB.
type MasterLevels struct {
	RMS  []float32 `json:"rms"`
	Peak []float32 `json:"peak"`
}

func (MasterLevels) Kind() EventKind { return KindMasterLevels }

// DecodeError reports an open/format error or a mid-stream decode failure.
type DecodeError struct {
	CueID     string `json:"cue_id"`
	TrackID   string `json:"track_id"`
	FilePath  string `json:"file_path"`
	ErrorText string `json:"error_text"`
}

func (DecodeError) Kind() EventKind { return KindDecodeError }

// TransportState reports a coarse transport-level state change.
type TransportState struct {
	State string `json:"state"`
}

func (TransportState) Kind() EventKind { return KindTransportState }
