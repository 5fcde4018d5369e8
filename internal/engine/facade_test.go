package engine

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/cuegrid/engine/internal/decoder"
	"github.com/cuegrid/engine/internal/mixer"
	"github.com/cuegrid/engine/internal/protocol"
)

type fakePool struct {
	starts  []string
	stops   []string
	updates []string
	shutdown bool
}

func (p *fakePool) DecodeStart(cueID, trackID, filePath string, inFrame uint64, outFrame *uint64, loopEnabled bool) {
	p.starts = append(p.starts, cueID)
}
func (p *fakePool) DecodeStop(cueID string) { p.stops = append(p.stops, cueID) }
func (p *fakePool) BufferRequest(cueID string, frames int) {}
func (p *fakePool) UpdateJob(cueID string, inFrame *uint64, outFrame *uint64, hasOutFrame bool, loopEnabled *bool) {
	p.updates = append(p.updates, cueID)
}
func (p *fakePool) Shutdown() { p.shutdown = true }

type fakeMixer struct {
	added   []string
	faded   []string
	stopped []string
	gains   map[string]float32
	stopCalled bool

	started  chan mixer.StartedSignal
	finished chan mixer.FinishedSignal
	levels   chan []mixer.LevelSnapshot
	times    chan []mixer.TimeSnapshot
	master   chan protocol.MasterLevels
	errs     chan protocol.DecodeError
}

func newFakeMixer() *fakeMixer {
	return &fakeMixer{
		gains:    make(map[string]float32),
		started:  make(chan mixer.StartedSignal, 8),
		finished: make(chan mixer.FinishedSignal, 8),
		levels:   make(chan []mixer.LevelSnapshot, 8),
		times:    make(chan []mixer.TimeSnapshot, 8),
		master:   make(chan protocol.MasterLevels, 8),
		errs:     make(chan protocol.DecodeError, 8),
	}
}

func (m *fakeMixer) AddCue(cueID, trackID, filePath string, fadeInMS uint32, gainDB float32, totalFrames uint64) {
	m.added = append(m.added, cueID)
}
func (m *fakeMixer) Fade(cueID string, targetDB float32, durationMS uint32, curve protocol.FadeCurve) {
	m.faded = append(m.faded, cueID)
}
func (m *fakeMixer) StopCue(cueID string, fadeOutMS uint32) { m.stopped = append(m.stopped, cueID) }
func (m *fakeMixer) SetGain(cueID string, gainDB float32)   { m.gains[cueID] = gainDB }
func (m *fakeMixer) SetMasterGain(db float32)               {}
func (m *fakeMixer) SetPaused(paused bool)                  {}
func (m *fakeMixer) SetDevice(idx *int, name string)        {}
func (m *fakeMixer) Reconfigure(cfg mixer.Config) error      { return nil }
func (m *fakeMixer) Stop()                                  { m.stopCalled = true }

func (m *fakeMixer) Started() <-chan mixer.StartedSignal       { return m.started }
func (m *fakeMixer) Finished() <-chan mixer.FinishedSignal     { return m.finished }
func (m *fakeMixer) Levels() <-chan []mixer.LevelSnapshot      { return m.levels }
func (m *fakeMixer) Times() <-chan []mixer.TimeSnapshot        { return m.times }
func (m *fakeMixer) MasterLevels() <-chan protocol.MasterLevels { return m.master }
func (m *fakeMixer) Errors() <-chan protocol.DecodeError       { return m.errs }

func testFacade(t *testing.T) (*Facade, *fakePool, *fakeMixer) {
	t.Helper()
	pool := &fakePool{}
	mix := newFakeMixer()
	loops := &decoder.LoopState{}
	f := New(pool, mix, loops, mixer.Config{SampleRate: 48000, Channels: 2, BlockFrames: 512}, zerolog.Nop())
	return f, pool, mix
}

func drainEvent(t *testing.T, f *Facade) protocol.Event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	default:
		t.Fatal("expected an emitted event, got none")
		return nil
	}
}

func TestPlayCueDispatchesDecodeStartAndAddCue(t *testing.T) {
	f, pool, mix := testFacade(t)
	f.apply(protocol.PlayCue{CueID: "c1", TrackID: "t1", FilePath: "a.wav", Layered: true})

	if len(pool.starts) != 1 || pool.starts[0] != "c1" {
		t.Fatalf("pool.starts = %v, want [c1]", pool.starts)
	}
	if len(mix.added) != 1 || mix.added[0] != "c1" {
		t.Fatalf("mix.added = %v, want [c1]", mix.added)
	}
	if _, ok := f.cues["c1"]; !ok {
		t.Fatal("cue not registered in facade table")
	}
}

func TestPlayCueRejectsInvalidOutFrame(t *testing.T) {
	f, pool, mix := testFacade(t)
	out := uint64(1)
	f.apply(protocol.PlayCue{CueID: "c1", FilePath: "a.wav", InFrame: 10, OutFrame: &out})

	if len(pool.starts) != 0 || len(mix.added) != 0 {
		t.Fatal("invalid play_cue should not reach pool or mixer")
	}
	ev := drainEvent(t, f)
	if _, ok := ev.(protocol.DecodeError); !ok {
		t.Fatalf("event = %T, want DecodeError", ev)
	}
	if _, ok := f.cues["c1"]; ok {
		t.Fatal("invalid cue should not be registered")
	}
}

func TestPlayCueLayeredFalseAutoFadesOtherActiveCues(t *testing.T) {
	f, _, mix := testFacade(t)
	f.apply(protocol.PlayCue{CueID: "c1", FilePath: "a.wav", Layered: true})
	f.apply(protocol.PlayCue{CueID: "c2", FilePath: "b.wav", Layered: false})

	if len(mix.stopped) != 1 || mix.stopped[0] != "c1" {
		t.Fatalf("mix.stopped = %v, want [c1]", mix.stopped)
	}
	if f.cues["c1"].reason != protocol.ReasonAutoFade {
		t.Errorf("c1 reason = %v, want auto_fade", f.cues["c1"].reason)
	}
}

func TestOnStartedEmitsCueStarted(t *testing.T) {
	f, _, _ := testFacade(t)
	f.apply(protocol.PlayCue{CueID: "c1", TrackID: "t1", FilePath: "a.wav", Layered: true})
	f.onStarted(mixer.StartedSignal{CueID: "c1", TrackID: "t1", FilePath: "a.wav"})

	ev := drainEvent(t, f)
	cs, ok := ev.(protocol.CueStarted)
	if !ok {
		t.Fatalf("event = %T, want CueStarted", ev)
	}
	if cs.CueID != "c1" || !f.cues["c1"].started {
		t.Errorf("cue not marked started: %+v", cs)
	}
}

func TestOnFinishedEmitsCueFinishedWithStoredReasonAndAlwaysStopsDecode(t *testing.T) {
	f, pool, _ := testFacade(t)
	f.apply(protocol.PlayCue{CueID: "c1", FilePath: "a.wav", Layered: true})
	f.apply(protocol.StopCue{CueID: "c1", FadeOutMS: 500})

	f.onFinished(mixer.FinishedSignal{CueID: "c1"})

	if len(pool.stops) != 1 || pool.stops[0] != "c1" {
		t.Fatalf("pool.stops = %v, want [c1]", pool.stops)
	}
	ev := drainEvent(t, f)
	cf, ok := ev.(protocol.CueFinished)
	if !ok {
		t.Fatalf("event = %T, want CueFinished", ev)
	}
	if cf.Reason != protocol.ReasonManualFade {
		t.Errorf("reason = %v, want manual_fade", cf.Reason)
	}
	if _, ok := f.cues["c1"]; ok {
		t.Fatal("cue should be removed from the facade table")
	}
}

func TestOnFinishedDefaultsToEOFReason(t *testing.T) {
	f, _, _ := testFacade(t)
	f.apply(protocol.PlayCue{CueID: "c1", FilePath: "a.wav", Layered: true})
	f.onFinished(mixer.FinishedSignal{CueID: "c1"})

	ev := drainEvent(t, f)
	cf := ev.(protocol.CueFinished)
	if cf.Reason != protocol.ReasonEOF {
		t.Errorf("reason = %v, want eof", cf.Reason)
	}
}

func TestUpdateCueMutatesEntryAndForwardsToPoolAndMixer(t *testing.T) {
	f, pool, mix := testFacade(t)
	f.apply(protocol.PlayCue{CueID: "c1", FilePath: "a.wav", Layered: true})

	newIn := uint64(100)
	newGain := float32(-6)
	loop := true
	f.apply(protocol.UpdateCue{CueID: "c1", InFrame: &newIn, GainDB: &newGain, LoopEnabled: &loop})

	if f.cues["c1"].InFrame != 100 || f.cues["c1"].GainDB != -6 || !f.cues["c1"].LoopEnabled {
		t.Fatalf("entry not updated: %+v", f.cues["c1"])
	}
	if mix.gains["c1"] != -6 {
		t.Errorf("mix.gains[c1] = %v, want -6", mix.gains["c1"])
	}
	if len(pool.updates) != 1 || pool.updates[0] != "c1" {
		t.Fatalf("pool.updates = %v, want [c1]", pool.updates)
	}
}

func TestUpdateCueUnknownIDIsIgnored(t *testing.T) {
	f, pool, mix := testFacade(t)
	gain := float32(-6)
	f.apply(protocol.UpdateCue{CueID: "ghost", GainDB: &gain})
	if len(pool.updates) != 0 || len(mix.gains) != 0 {
		t.Fatal("update for unknown cue should be a no-op")
	}
}

func TestLoopOverrideAndGlobalLoopToggleSharedState(t *testing.T) {
	f, _, _ := testFacade(t)
	f.apply(protocol.SetLoopOverride{Enabled: true})
	f.apply(protocol.SetGlobalLoop{Enabled: true})
	if !f.loops.Override.Load() || !f.loops.Global.Load() {
		t.Fatal("expected both loop-state flags set")
	}
}

func TestOnDecodeErrorBeforeStartForcesImmediateStop(t *testing.T) {
	f, _, mix := testFacade(t)
	f.apply(protocol.PlayCue{CueID: "c1", FilePath: "a.wav", Layered: true})
	f.onDecodeError(protocol.DecodeError{CueID: "c1", ErrorText: "no such file"})

	if len(mix.stopped) != 1 || mix.stopped[0] != "c1" {
		t.Fatalf("mix.stopped = %v, want immediate stop for c1", mix.stopped)
	}
	if f.cues["c1"].reason != protocol.ReasonError {
		t.Errorf("reason = %v, want error", f.cues["c1"].reason)
	}
	ev := drainEvent(t, f)
	if _, ok := ev.(protocol.DecodeError); !ok {
		t.Fatalf("event = %T, want DecodeError", ev)
	}
}

func TestOnDecodeErrorMidStreamDoesNotForceStop(t *testing.T) {
	f, _, mix := testFacade(t)
	f.apply(protocol.PlayCue{CueID: "c1", FilePath: "a.wav", Layered: true})
	f.onStarted(mixer.StartedSignal{CueID: "c1"})
	drainEvent(t, f) // CueStarted

	f.onDecodeError(protocol.DecodeError{CueID: "c1", ErrorText: "mid-stream failure"})

	if len(mix.stopped) != 0 {
		t.Fatalf("mix.stopped = %v, want none (mixer drains naturally)", mix.stopped)
	}
	if f.cues["c1"].reason != protocol.ReasonError {
		t.Errorf("reason = %v, want error", f.cues["c1"].reason)
	}
}

func TestTransportStopFadesEveryActiveCue(t *testing.T) {
	f, _, mix := testFacade(t)
	f.apply(protocol.PlayCue{CueID: "c1", FilePath: "a.wav", Layered: true})
	f.apply(protocol.PlayCue{CueID: "c2", FilePath: "b.wav", Layered: true})
	f.apply(protocol.TransportStop{})

	if len(mix.stopped) != 2 {
		t.Fatalf("mix.stopped = %v, want both cues stopped", mix.stopped)
	}
	for _, id := range []string{"c1", "c2"} {
		if f.cues[id].reason != protocol.ReasonForced {
			t.Errorf("%s reason = %v, want forced", id, f.cues[id].reason)
		}
	}
}

func TestShutdownStopsAllCuesAndTearsDownPoolAndMixer(t *testing.T) {
	f, pool, mix := testFacade(t)
	f.apply(protocol.PlayCue{CueID: "c1", FilePath: "a.wav", Layered: true})
	f.apply(protocol.Shutdown{})

	if len(mix.stopped) != 1 || len(pool.stops) != 1 {
		t.Fatalf("expected c1 stopped on both sides, got mix=%v pool=%v", mix.stopped, pool.stops)
	}
	if !pool.shutdown || !mix.stopCalled {
		t.Fatal("expected pool.Shutdown and mixer.Stop to be called")
	}
	if len(f.cues) != 0 {
		t.Fatal("cue table should be empty after shutdown")
	}
}

func TestBatchAppliesEverySubCommand(t *testing.T) {
	f, pool, _ := testFacade(t)
	f.apply(protocol.Batch{Commands: []protocol.Command{
		protocol.PlayCue{CueID: "c1", FilePath: "a.wav", Layered: true},
		protocol.PlayCue{CueID: "c2", FilePath: "b.wav", Layered: true},
	}})
	if len(pool.starts) != 2 {
		t.Fatalf("pool.starts = %v, want two DecodeStart calls", pool.starts)
	}
}
