// Package engine implements the Engine Facade (spec.md §4.1): it owns the
// cue table, dispatches commands to the decoder pool and the output mixer,
// and is the single authoritative emitter of every event the UI side sees.
package engine

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuegrid/engine/internal/cue"
	"github.com/cuegrid/engine/internal/decoder"
	"github.com/cuegrid/engine/internal/mixer"
	"github.com/cuegrid/engine/internal/protocol"
)

// decoderPool is the subset of *decoder.Coordinator the facade drives. Kept
// as an interface so facade tests run against a fake pool instead of real
// decode workers.
type decoderPool interface {
	DecodeStart(cueID, trackID, filePath string, inFrame uint64, outFrame *uint64, loopEnabled bool)
	DecodeStop(cueID string)
	BufferRequest(cueID string, frames int)
	UpdateJob(cueID string, inFrame *uint64, outFrame *uint64, hasOutFrame bool, loopEnabled *bool)
	Shutdown()
}

// outputMixer is the subset of *mixer.Mixer the facade drives, plus its
// signal channels. Kept as an interface so facade tests run without opening
// a real audio device.
type outputMixer interface {
	AddCue(cueID, trackID, filePath string, fadeInMS uint32, gainDB float32, totalFrames uint64)
	Fade(cueID string, targetDB float32, durationMS uint32, curve protocol.FadeCurve)
	StopCue(cueID string, fadeOutMS uint32)
	SetGain(cueID string, gainDB float32)
	SetMasterGain(db float32)
	SetPaused(paused bool)
	SetDevice(idx *int, name string)
	Reconfigure(cfg mixer.Config) error
	Stop()

	Started() <-chan mixer.StartedSignal
	Finished() <-chan mixer.FinishedSignal
	Levels() <-chan []mixer.LevelSnapshot
	Times() <-chan []mixer.TimeSnapshot
	MasterLevels() <-chan protocol.MasterLevels
	Errors() <-chan protocol.DecodeError
}

// entry is the facade's own record for an accepted cue: the cue.Cue data
// plus the bookkeeping needed to assemble one CueFinished event whenever
// the mixer eventually reports the cue drained (spec.md §7: "the engine
// retains a removal-reason side table to reconcile with the mixer's
// eventual 'finished' signal").
type entry struct {
	cue.Cue
	startedAt time.Time
	started   bool
	reason    protocol.RemovalReason
}

// Facade owns the cue table and is the sole goroutine that touches it;
// every command and every upstream signal is funneled through Run's select
// loop, the same single-owner pattern the mixer's block loop uses for its
// own per-cue state.
type Facade struct {
	log zerolog.Logger

	pool  decoderPool
	mix   outputMixer
	loops *decoder.LoopState
	mixCfg mixer.Config

	cues map[string]*entry

	autoFadeOnNew bool // policy passthrough, spec.md §4.1 SetAutoFadeOnNew
	transitionInMS, transitionOutMS uint32

	cmds   chan protocol.Command
	events chan protocol.Event

	stopCh chan struct{}
	done   chan struct{}
}

// New builds a Facade wired to pool and mix. mixCfg is the mixer's current
// device configuration, retained so OutputSetConfig only needs to carry the
// fields it changes.
func New(pool decoderPool, mix outputMixer, loops *decoder.LoopState, mixCfg mixer.Config, log zerolog.Logger) *Facade {
	return &Facade{
		log:             log,
		pool:            pool,
		mix:             mix,
		loops:           loops,
		mixCfg:          mixCfg,
		cues:            make(map[string]*entry),
		transitionInMS:  300,
		transitionOutMS: 300,
		cmds:            make(chan protocol.Command, 256),
		events:          make(chan protocol.Event, 512),
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Events is the facade's single outbound event stream.
func (f *Facade) Events() <-chan protocol.Event { return f.events }

// Dispatch submits cmd for processing on Run's goroutine. Per spec.md §7
// ("commands are never dropped"), Dispatch blocks rather than drops when
// the queue is full; it only gives up once the facade has stopped.
func (f *Facade) Dispatch(cmd protocol.Command) {
	select {
	case f.cmds <- cmd:
	case <-f.stopCh:
	}
}

// Run processes commands and upstream mixer signals until a Shutdown
// command is applied or Stop is called. It must run on its own goroutine.
func (f *Facade) Run() {
	defer close(f.done)
	for {
		select {
		case <-f.stopCh:
			return
		case cmd := <-f.cmds:
			f.apply(cmd)
			if cmd.Kind() == protocol.KindShutdown {
				return
			}
		case sig := <-f.mix.Started():
			f.onStarted(sig)
		case sig := <-f.mix.Finished():
			f.onFinished(sig)
		case levels := <-f.mix.Levels():
			f.emitLevels(levels)
		case times := <-f.mix.Times():
			f.emitTimes(times)
		case master := <-f.mix.MasterLevels():
			f.emit(master)
		case derr := <-f.mix.Errors():
			f.onDecodeError(derr)
		}
	}
}

// Stop forces Run to return without processing a Shutdown command; used by
// callers that need to tear the facade down outside the normal command
// flow (e.g. a test harness).
func (f *Facade) Stop() {
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.done
}

func (f *Facade) apply(cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.PlayCue:
		f.playCue(c)
	case protocol.StopCue:
		f.stopCue(c.CueID, c.FadeOutMS, protocol.ReasonManualFade)
	case protocol.FadeCue:
		f.fadeCue(c)
	case protocol.UpdateCue:
		f.updateCue(c)
	case protocol.SetAutoFadeOnNew:
		f.autoFadeOnNew = c.Enabled
	case protocol.SetLoopOverride:
		f.loops.Override.Store(c.Enabled)
	case protocol.SetGlobalLoop:
		f.loops.Global.Store(c.Enabled)
	case protocol.SetMasterGain:
		f.mix.SetMasterGain(c.GainDB)
	case protocol.SetTransitionFadeDurations:
		f.transitionInMS, f.transitionOutMS = c.InMS, c.OutMS
	case protocol.TransportPlay:
		f.mix.SetPaused(false)
		f.emit(protocol.TransportState{State: "playing"})
	case protocol.TransportPause:
		f.mix.SetPaused(true)
		f.emit(protocol.TransportState{State: "paused"})
	case protocol.TransportStop:
		f.transportStop()
	case protocol.TransportNext:
		f.emit(protocol.TransportState{State: "next_ack"})
	case protocol.TransportPrev:
		f.emit(protocol.TransportState{State: "prev_ack"})
	case protocol.OutputSetDevice:
		f.mix.SetDevice(c.DeviceIndex, c.DeviceName)
		f.emit(protocol.TransportState{State: "device_set"})
	case protocol.OutputSetConfig:
		f.outputSetConfig(c)
	case protocol.OutputListDevices:
		f.emitDeviceList()
	case protocol.Batch:
		for _, sub := range c.Commands {
			f.apply(sub)
		}
	case protocol.Shutdown:
		f.shutdown()
	default:
		f.log.Warn().Str("kind", string(cmd.Kind())).Msg("unhandled command kind")
	}
}

// playCue implements spec.md §4.1's PlayCue row plus the layered=false
// auto-fade algorithm.
func (f *Facade) playCue(c protocol.PlayCue) {
	if err := cue.Validate(c); err != nil {
		f.log.Warn().Str("cue_id", c.CueID).Err(err).Msg("rejecting invalid play_cue")
		f.emit(protocol.DecodeError{CueID: c.CueID, TrackID: c.TrackID, FilePath: c.FilePath, ErrorText: err.Error()})
		return
	}
	if _, exists := f.cues[c.CueID]; exists {
		f.log.Warn().Str("cue_id", c.CueID).Msg("play_cue for an already-active cue id, ignoring")
		return
	}

	e := &entry{Cue: cue.FromPlayCue(c, time.Now()), reason: protocol.ReasonEOF}
	f.cues[c.CueID] = e

	if !c.Layered {
		f.autoFadeOthers(c.CueID)
	}

	f.pool.DecodeStart(c.CueID, c.TrackID, c.FilePath, c.InFrame, c.OutFrame, c.LoopEnabled)
	f.mix.AddCue(c.CueID, c.TrackID, c.FilePath, c.FadeInMS, c.GainDB, totalFramesHint(c, f.mixCfg.SampleRate))
}

func totalFramesHint(c protocol.PlayCue, sampleRate int) uint64 {
	if c.TotalSeconds == nil || *c.TotalSeconds <= 0 {
		return 0
	}
	return uint64(*c.TotalSeconds * float32(sampleRate))
}

// autoFadeOthers implements spec.md §4.1's "Algorithm — auto-fade on
// layered=false": every other active cue fades to -inf dB over the
// configured transition-out duration, then is stopped.
func (f *Facade) autoFadeOthers(exceptID string) {
	for id := range f.cues {
		if id == exceptID {
			continue
		}
		f.stopCue(id, f.transitionOutMS, protocol.ReasonAutoFade)
	}
}

func (f *Facade) stopCue(cueID string, fadeOutMS uint32, reason protocol.RemovalReason) {
	e, ok := f.cues[cueID]
	if !ok {
		return
	}
	e.reason = reason
	e.FadeOutMS = fadeOutMS
	f.mix.StopCue(cueID, fadeOutMS)
}

func (f *Facade) fadeCue(c protocol.FadeCue) {
	if _, ok := f.cues[c.CueID]; !ok {
		return
	}
	f.mix.Fade(c.CueID, c.TargetDB, c.DurationMS, c.Curve)
}

// updateCue mutates the cue's mutable fields in place (spec.md §4.1
// UpdateCue); a nil field means "leave unchanged", including OutFrame —
// there is no wire representation for "clear an out-point back to eof"
// once one has been set (see DESIGN.md).
func (f *Facade) updateCue(c protocol.UpdateCue) {
	e, ok := f.cues[c.CueID]
	if !ok {
		return
	}
	if c.InFrame != nil {
		e.InFrame = *c.InFrame
	}
	if c.OutFrame != nil {
		e.OutFrame = c.OutFrame
	}
	if c.GainDB != nil {
		e.GainDB = *c.GainDB
		f.mix.SetGain(c.CueID, *c.GainDB)
	}
	if c.LoopEnabled != nil {
		e.LoopEnabled = *c.LoopEnabled
	}
	f.pool.UpdateJob(c.CueID, c.InFrame, c.OutFrame, c.OutFrame != nil, c.LoopEnabled)
}

// transportStop installs a fade-out on every active cue (spec.md §4.1).
func (f *Facade) transportStop() {
	for id := range f.cues {
		f.stopCue(id, f.transitionOutMS, protocol.ReasonForced)
	}
}

func (f *Facade) outputSetConfig(c protocol.OutputSetConfig) {
	cfg := f.mixCfg
	cfg.SampleRate = c.SampleRate
	cfg.Channels = c.Channels
	cfg.BlockFrames = c.BlockFrames

	f.emit(protocol.TransportState{State: "stopped"})
	if err := f.mix.Reconfigure(cfg); err != nil {
		f.log.Error().Err(err).Msg("output reconfigure failed")
		f.emit(protocol.TransportState{State: "device_error: " + err.Error()})
		return
	}
	f.mixCfg = cfg
	f.emit(protocol.TransportState{State: "reconfigured"})
}

func (f *Facade) emitDeviceList() {
	devices, err := mixer.ListDevices()
	if err != nil {
		f.log.Warn().Err(err).Msg("failed to list output devices")
		f.emit(protocol.TransportState{State: "device_list_error: " + err.Error()})
		return
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		names = append(names, d.Name)
	}
	data, _ := json.Marshal(names)
	f.emit(protocol.TransportState{State: "devices:" + string(data)})
}

// shutdown implements spec.md §4.1's Shutdown row: stop every cue
// immediately and emit its CueFinished tagged forced, tear down the pool and
// the device, then let Run return.
func (f *Facade) shutdown() {
	for id, e := range f.cues {
		e.reason = protocol.ReasonForced
		f.mix.StopCue(id, 0)
		f.onFinished(mixer.FinishedSignal{CueID: id})
	}
	f.cues = make(map[string]*entry)
	f.pool.Shutdown()
	f.mix.Stop()
}

func (f *Facade) onStarted(sig mixer.StartedSignal) {
	e, ok := f.cues[sig.CueID]
	if !ok {
		return
	}
	e.started = true
	e.startedAt = time.Now()
	f.emit(protocol.CueStarted{
		CueID:        sig.CueID,
		TrackID:      sig.TrackID,
		FilePath:     sig.FilePath,
		TODStartISO:  e.startedAt.UTC().Format(time.RFC3339Nano),
		TotalSeconds: sig.TotalSeconds,
	})
}

// onFinished is the single place CueFinished is constructed (spec.md §7:
// "the facade...is the single authoritative emitter of CueFinished").
// DecodeStop is sent unconditionally and is idempotent on the pool side,
// guaranteeing the decode job behind a faded-out or force-stopped cue is
// always released even though StopCue only requested it for the
// zero-duration immediate-removal path.
func (f *Facade) onFinished(sig mixer.FinishedSignal) {
	f.pool.DecodeStop(sig.CueID)

	e, ok := f.cues[sig.CueID]
	if !ok {
		return
	}
	delete(f.cues, sig.CueID)

	info := cue.Info{
		CueID:     e.ID,
		TrackID:   e.TrackID,
		FilePath:  e.FilePath,
		InFrame:   e.InFrame,
		OutFrame:  e.OutFrame,
		FadeInMS:  e.FadeInMS,
		FadeOutMS: e.FadeOutMS,
		StartedAt: e.startedAt,
		StoppedAt: time.Now(),
	}
	if e.TotalSeconds != nil {
		info.DurationSec = *e.TotalSeconds
	}
	reason := e.reason
	if reason == "" {
		reason = protocol.ReasonEOF
	}
	f.emit(protocol.CueFinished{Info: info.ToProtocol(), Reason: reason})
}

// onDecodeError implements spec.md §7's error taxonomy: an open/format
// error (the cue never started) never got an EOF chunk and would sit
// pending forever, so it is force-finalized here; a mid-stream error's
// worker already flagged EOF on its last chunk, so the mixer drains
// naturally and onFinished fires on its own.
func (f *Facade) onDecodeError(derr protocol.DecodeError) {
	f.emit(derr)

	e, ok := f.cues[derr.CueID]
	if !ok {
		return
	}
	e.reason = protocol.ReasonError
	if !e.started {
		f.mix.StopCue(derr.CueID, 0)
	}
}

func (f *Facade) emitLevels(levels []mixer.LevelSnapshot) {
	m := make(map[string]protocol.CueLevel, len(levels))
	for _, l := range levels {
		m[l.CueID] = protocol.CueLevel{RMS: l.RMS, Peak: l.Peak}
	}
	f.emit(protocol.BatchCueLevels{Levels: m})
}

func (f *Facade) emitTimes(times []mixer.TimeSnapshot) {
	m := make(map[string]protocol.CueTime, len(times))
	for _, t := range times {
		m[t.CueID] = protocol.CueTime{ElapsedS: t.ElapsedS, RemainingS: t.RemainingS}
	}
	f.emit(protocol.BatchCueTime{Times: m})
}

// emit routes ev by category (spec.md §7): lifecycle and diagnostic events
// are pushed through a guaranteed path that blocks rather than drops;
// telemetry is droppable once the channel is full.
func (f *Facade) emit(ev protocol.Event) {
	if protocol.CategoryOf(ev) == protocol.CategoryTelemetry {
		select {
		case f.events <- ev:
		default:
			f.log.Debug().Str("kind", string(ev.Kind())).Msg("dropping telemetry event, channel full")
		}
		return
	}
	select {
	case f.events <- ev:
	case <-f.stopCh:
	}
}
