// Package adapter implements the UI-side event translator (spec.md §4.4):
// it polls the engine facade's event stream on a UI-thread timer,
// guarantees ordered lifecycle delivery even under a telemetry flood, and
// coalesces/rate-limits telemetry independent of its arrival rate.
package adapter

import (
	"math"
	"time"

	"github.com/cuegrid/engine/internal/protocol"
)

// Notifier is the UI-side sink the adapter forwards translated events to —
// the stand-in for whatever UI framework's event-emit call a real
// collaborator would wire here (the teacher's own UI loop calls Wails'
// EventsEmit from rustyguts-bken/client/app.go's adaptBitrateLoop in the
// same ticker-driven shape this package generalizes).
type Notifier interface {
	CueStarted(protocol.CueStarted)
	CueFinished(protocol.CueFinished)
	CueLevels(map[string]protocol.CueLevel)
	CueTimes(map[string]protocol.CueTime)
	MasterLevels(protocol.MasterLevels)
	DecodeError(protocol.DecodeError)
	TransportState(protocol.TransportState)
}

const (
	defaultDrainCap     = 2000
	defaultLifecycleCap = 50
	defaultTelemetryCap = 40
	defaultPollInterval = time.Second / 60 // ~60 Hz, spec.md §4.4
	defaultMasterRate   = time.Second / 20 // ~20 Hz
	defaultCueLevelRate = time.Second / 10 // ~10 Hz
)

// cueMeta is the trim-point metadata the adapter needs to compute a
// display-normalized elapsed/remaining (spec.md §4.4 "Trimmed-time
// computation"). The engine's own BatchCueTime is in untrimmed terms; only
// the UI side that issued PlayCue knows the trim points, so RegisterCue
// must be called with the same in/out/sample-rate the PlayCue carried.
type cueMeta struct {
	inFrame    uint64
	outFrame   *uint64
	sampleRate int
}

// Adapter owns no synchronization beyond its own poll ticker: every method
// other than RegisterCue/SetLoopOverride/SetGlobalLoop/Run/Stop is called
// only from Run's goroutine.
type Adapter struct {
	events <-chan protocol.Event
	notify Notifier

	drainCap, lifecycleCap, telemetryCap int
	pollInterval                         time.Duration
	masterRate, cueLevelRate             time.Duration

	lifecycleBacklog []protocol.Event // FIFO overflow, preserves order

	pendingLevels map[string]protocol.CueLevel
	pendingTimes  map[string]protocol.CueTime
	pendingMaster *protocol.MasterLevels

	lastMasterEmit   time.Time
	lastCueLevelEmit time.Time

	cues                      map[string]cueMeta
	loopOverride, globalLoop  bool

	stopCh chan struct{}
	done   chan struct{}
}

// New builds an Adapter that polls events and forwards translated
// notifications to notify.
func New(events <-chan protocol.Event, notify Notifier) *Adapter {
	return &Adapter{
		events:        events,
		notify:        notify,
		drainCap:      defaultDrainCap,
		lifecycleCap:  defaultLifecycleCap,
		telemetryCap:  defaultTelemetryCap,
		pollInterval:  defaultPollInterval,
		masterRate:    defaultMasterRate,
		cueLevelRate:  defaultCueLevelRate,
		pendingLevels: make(map[string]protocol.CueLevel),
		pendingTimes:  make(map[string]protocol.CueTime),
		cues:          make(map[string]cueMeta),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// RegisterCue records a cue's trim points at PlayCue time, the only moment
// the UI side actually has them, so poll can later compute a
// display-normalized elapsed/remaining for that cue.
func (a *Adapter) RegisterCue(cueID string, inFrame uint64, outFrame *uint64, sampleRate int) {
	a.cues[cueID] = cueMeta{inFrame: inFrame, outFrame: outFrame, sampleRate: sampleRate}
}

// SetLoopOverride/SetGlobalLoop mirror the same-named facade commands so
// the adapter can wrap trimmed elapsed time for display while a cue is
// looping by virtue of the override (spec.md §4.4).
func (a *Adapter) SetLoopOverride(enabled bool) { a.loopOverride = enabled }
func (a *Adapter) SetGlobalLoop(enabled bool)   { a.globalLoop = enabled }

// Run polls on its own ticker until Stop is called. Must run on its own
// goroutine; it never touches the UI thread directly, matching the
// "without blocking the UI main thread" requirement by being the thing a
// UI timer callback invokes (poll), not a UI-thread loop itself.
func (a *Adapter) Run() {
	defer close(a.done)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.poll()
		}
	}
}

// Stop halts the poll loop and waits for it to exit.
func (a *Adapter) Stop() {
	close(a.stopCh)
	<-a.done
}

// poll drains up to drainCap events, partitions them by category, and
// delivers each pile under its own rules (spec.md §4.4 "Polling model").
func (a *Adapter) poll() {
	var lifecycle, telemetry, diagnostic []protocol.Event
	for drained := 0; drained < a.drainCap; drained++ {
		select {
		case ev := <-a.events:
			switch protocol.CategoryOf(ev) {
			case protocol.CategoryLifecycle:
				lifecycle = append(lifecycle, ev)
			case protocol.CategoryTelemetry:
				telemetry = append(telemetry, ev)
			default:
				diagnostic = append(diagnostic, ev)
			}
		default:
			drained = a.drainCap // stop draining, channel is empty
		}
	}

	// Lifecycle is guaranteed and ordered: service the existing backlog
	// before this poll's fresh batch, and defer whatever still doesn't
	// fit this poll's cap to the backlog rather than let it compete with
	// telemetry in the channel on the next poll.
	a.lifecycleBacklog = append(a.lifecycleBacklog, lifecycle...)
	n := len(a.lifecycleBacklog)
	if n > a.lifecycleCap {
		n = a.lifecycleCap
	}
	for _, ev := range a.lifecycleBacklog[:n] {
		a.deliverLifecycle(ev)
	}
	a.lifecycleBacklog = a.lifecycleBacklog[n:]

	a.coalesceTelemetry(telemetry)
	a.flushTelemetry()

	cap := a.telemetryCap
	if len(diagnostic) < cap {
		cap = len(diagnostic)
	}
	for _, ev := range diagnostic[:cap] {
		a.deliverDiagnostic(ev)
	}
}

func (a *Adapter) deliverLifecycle(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.CueStarted:
		a.notify.CueStarted(e)
	case protocol.CueFinished:
		delete(a.cues, e.Info.CueID)
		a.notify.CueFinished(e)
	}
}

func (a *Adapter) deliverDiagnostic(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.DecodeError:
		a.notify.DecodeError(e)
	case protocol.TransportState:
		a.notify.TransportState(e)
	}
}

// coalesceTelemetry collapses multiple snapshots per cue/per tick to the
// most recent (spec.md §4.4 "Telemetry coalescing"), applying the
// trimmed-time computation to per-cue times as they arrive.
func (a *Adapter) coalesceTelemetry(events []protocol.Event) {
	for _, ev := range events {
		switch e := ev.(type) {
		case protocol.BatchCueLevels:
			for id, lv := range e.Levels {
				a.pendingLevels[id] = lv
			}
		case protocol.BatchCueTime:
			for id, t := range e.Times {
				a.pendingTimes[id] = a.trim(id, t)
			}
		case protocol.MasterLevels:
			snapshot := e
			a.pendingMaster = &snapshot
		}
	}
}

// trim implements spec.md §4.4's "Trimmed-time computation": elapsed/
// remaining normalized so the UI counter reads 0 at the in-point and counts
// up to the trimmed duration, wrapped modulo that duration when the cue is
// looping by virtue of override+global-loop.
func (a *Adapter) trim(cueID string, t protocol.CueTime) protocol.CueTime {
	meta, ok := a.cues[cueID]
	if !ok || meta.outFrame == nil || meta.sampleRate <= 0 {
		return t
	}
	if *meta.outFrame < meta.inFrame {
		return t
	}
	span := *meta.outFrame - meta.inFrame
	trimmedDuration := float32(span) / float32(meta.sampleRate)
	if trimmedDuration <= 0 {
		return t
	}

	elapsed := t.ElapsedS
	if a.loopOverride && a.globalLoop {
		elapsed = float32(math.Mod(float64(elapsed), float64(trimmedDuration)))
	}
	remaining := trimmedDuration - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return protocol.CueTime{ElapsedS: elapsed, RemainingS: remaining}
}

// flushTelemetry emits the coalesced telemetry piles at their own
// independent rates (spec.md §4.4: master ≈20 Hz, per-cue ≈10 Hz).
func (a *Adapter) flushTelemetry() {
	now := time.Now()
	if a.pendingMaster != nil && now.Sub(a.lastMasterEmit) >= a.masterRate {
		a.notify.MasterLevels(*a.pendingMaster)
		a.pendingMaster = nil
		a.lastMasterEmit = now
	}
	if now.Sub(a.lastCueLevelEmit) < a.cueLevelRate {
		return
	}
	if len(a.pendingLevels) > 0 {
		a.notify.CueLevels(a.pendingLevels)
		a.pendingLevels = make(map[string]protocol.CueLevel)
		a.lastCueLevelEmit = now
	}
	if len(a.pendingTimes) > 0 {
		a.notify.CueTimes(a.pendingTimes)
		a.pendingTimes = make(map[string]protocol.CueTime)
		a.lastCueLevelEmit = now
	}
}
