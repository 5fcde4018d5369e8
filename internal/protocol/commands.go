// Package protocol defines the typed command and event sum types that cross
// the boundary between the engine process and its UI collaborator, plus the
// wire framing used to carry them over a byte-oriented channel.
package protocol

// CommandKind discriminates the concrete type carried by a Command envelope.
type CommandKind string

const (
	KindPlayCue                  CommandKind = "play_cue"
	KindStopCue                  CommandKind = "stop_cue"
	KindFadeCue                  CommandKind = "fade_cue"
	KindUpdateCue                CommandKind = "update_cue"
	KindSetAutoFadeOnNew         CommandKind = "set_auto_fade_on_new"
	KindSetLoopOverride          CommandKind = "set_loop_override"
	KindSetGlobalLoop            CommandKind = "set_global_loop"
	KindSetMasterGain            CommandKind = "set_master_gain"
	KindSetTransitionFadeDurations CommandKind = "set_transition_fade_durations"
	KindTransportPlay            CommandKind = "transport_play"
	KindTransportPause           CommandKind = "transport_pause"
	KindTransportStop            CommandKind = "transport_stop"
	KindTransportNext            CommandKind = "transport_next"
	KindTransportPrev            CommandKind = "transport_prev"
	KindOutputSetDevice          CommandKind = "output_set_device"
	KindOutputSetConfig          CommandKind = "output_set_config"
	KindOutputListDevices        CommandKind = "output_list_devices"
	KindBatch                    CommandKind = "batch"
	KindShutdown                 CommandKind = "shutdown"
)

// FadeCurve names the shape of a gain transition.
type FadeCurve string

const (
	CurveLinear     FadeCurve = "linear"
	CurveEqualPower FadeCurve = "equal_power"
)

// Command is the sealed sum type of everything the UI side may send to the
// engine facade. Every concrete command below implements it; nothing else
// may (the accept-only-known-kinds rule is enforced by the wire decoder in
// wire.go, not by the interface itself).
type Command interface {
	Kind() CommandKind
}

// PlayCue creates a cue entry and dispatches a decode job for it.
type PlayCue struct {
	CueID        string   `json:"cue_id"`
	TrackID      string   `json:"track_id"`
	FilePath     string   `json:"file_path"`
	InFrame      uint64   `json:"in_frame"`
	OutFrame     *uint64  `json:"out_frame,omitempty"`
	GainDB       float32  `json:"gain_db"`
	FadeInMS     uint32   `json:"fade_in_ms"`
	LoopEnabled  bool     `json:"loop_enabled"`
	Layered      bool     `json:"layered"`
	TotalSeconds *float32 `json:"total_seconds,omitempty"`
}

func (PlayCue) Kind() CommandKind { return KindPlayCue }

// StopCue requests removal of a cue, optionally over a fade-out.
type StopCue struct {
	CueID      string `json:"cue_id"`
	FadeOutMS  uint32 `json:"fade_out_ms"`
}

func (StopCue) Kind() CommandKind { return KindStopCue }

// FadeCue installs a new gain envelope on an active cue, overriding any
// fade already in flight.
type FadeCue struct {
	CueID      string    `json:"cue_id"`
	TargetDB   float32   `json:"target_db"`
	DurationMS uint32    `json:"duration_ms"`
	Curve      FadeCurve `json:"curve"`
}

func (FadeCue) Kind() CommandKind { return KindFadeCue }

// UpdateCue mutates a subset of a cue's mutable fields. Nil pointers mean
// "leave unchanged".
type UpdateCue struct {
	CueID       string   `json:"cue_id"`
	InFrame     *uint64  `json:"in_frame,omitempty"`
	OutFrame    *uint64  `json:"out_frame,omitempty"`
	GainDB      *float32 `json:"gain_db,omitempty"`
	LoopEnabled *bool    `json:"loop_enabled,omitempty"`
}

func (UpdateCue) Kind() CommandKind { return KindUpdateCue }

// SetAutoFadeOnNew toggles the default "layered" policy applied to future
// PlayCue commands that don't explicitly say otherwise upstream of the
// facade (the facade itself always receives an explicit Layered value; this
// toggles the policy the *sender* is expected to consult).
type SetAutoFadeOnNew struct {
	Enabled bool `json:"enabled"`
}

func (SetAutoFadeOnNew) Kind() CommandKind { return KindSetAutoFadeOnNew }

// SetLoopOverride toggles the engine-wide loop override flag.
type SetLoopOverride struct {
	Enabled bool `json:"enabled"`
}

func (SetLoopOverride) Kind() CommandKind { return KindSetLoopOverride }

// SetGlobalLoop toggles the engine-wide global-loop flag.
type SetGlobalLoop struct {
	Enabled bool `json:"enabled"`
}

func (SetGlobalLoop) Kind() CommandKind { return KindSetGlobalLoop }

// SetMasterGain sets the post-mix master gain in dB.
type SetMasterGain struct {
	GainDB float32 `json:"gain_db"`
}

func (SetMasterGain) Kind() CommandKind { return KindSetMasterGain }

// SetTransitionFadeDurations sets the engine-wide transition durations. The
// facade applies OutMS to auto-fade-out and TransportStop; it stores InMS
// but applies it to no fade (a new cue fades in over its own FadeInMS).
type SetTransitionFadeDurations struct {
	InMS  uint32 `json:"in_ms"`
	OutMS uint32 `json:"out_ms"`
}

func (SetTransitionFadeDurations) Kind() CommandKind {
	return KindSetTransitionFadeDurations
}

// TransportPlay unmutes master output.
type TransportPlay struct{}

func (TransportPlay) Kind() CommandKind { return KindTransportPlay }

// TransportPause mutes master output without touching cue state.
type TransportPause struct{}

func (TransportPause) Kind() CommandKind { return KindTransportPause }

// TransportStop installs a fade-out on every active cue.
type TransportStop struct{}

func (TransportStop) Kind() CommandKind { return KindTransportStop }

// TransportNext and TransportPrev are reserved for UI-side cue-list
// navigation; the engine facade acknowledges them via TransportState but
// cue-list ordering itself lives in the UI collaborator (out of scope).
type TransportNext struct{}

func (TransportNext) Kind() CommandKind { return KindTransportNext }

type TransportPrev struct{}

func (TransportPrev) Kind() CommandKind { return KindTransportPrev }

// OutputSetDevice selects the output device by platform index or name.
type OutputSetDevice struct {
	DeviceIndex *int   `json:"device_index,omitempty"`
	DeviceName  string `json:"device_name,omitempty"`
}

func (OutputSetDevice) Kind() CommandKind { return KindOutputSetDevice }

// OutputSetConfig tears down and reallocates the output stream at a new
// sample rate / channel count / block size.
type OutputSetConfig struct {
	SampleRate  int `json:"sample_rate"`
	Channels    int `json:"channels"`
	BlockFrames int `json:"block_frames"`
}

func (OutputSetConfig) Kind() CommandKind { return KindOutputSetConfig }

// OutputListDevices requests device enumeration; the reply goes out as a
// TransportState event carrying the encoded list (the UI is expected to
// request this rarely, not on the hot path).
type OutputListDevices struct{}

func (OutputListDevices) Kind() CommandKind { return KindOutputListDevices }

// Batch applies a list of commands atomically with respect to ordering: a
// failing sub-command is logged and the rest still apply.
type Batch struct {
	Commands []Command `json:"commands"`
}

func (Batch) Kind() CommandKind { return KindBatch }

// Shutdown stops all cues immediately, terminates the pool, closes the
// device, and ends the facade's Run loop. It does not end the cueengine
// process, which exits only on SIGINT/SIGTERM.
type Shutdown struct{}

func (Shutdown) Kind() CommandKind { return KindShutdown }
