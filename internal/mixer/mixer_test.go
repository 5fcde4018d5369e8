package mixer

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/cuegrid/engine/internal/decoder"
	"github.com/cuegrid/engine/internal/protocol"
)

type fakeRequester struct {
	bufferRequests []string
	stops          []string
}

func (f *fakeRequester) BufferRequest(cueID string, frames int) { f.bufferRequests = append(f.bufferRequests, cueID) }
func (f *fakeRequester) DecodeStop(cueID string)                { f.stops = append(f.stops, cueID) }

func testMixer(t *testing.T) (*Mixer, chan decoder.Chunk, *fakeRequester) {
	t.Helper()
	chunks := make(chan decoder.Chunk, 16)
	errs := make(chan protocol.DecodeError, 16)
	req := &fakeRequester{}
	cfg := Config{
		SampleRate:           1000,
		Channels:             1,
		BlockFrames:          10,
		TargetBlocks:         4,
		LowWaterBlocks:       1,
		StarvationWarnBlocks: 1,
		StartCreditBlocks:    2,
	}
	m := New(cfg, chunks, errs, req, zerolog.Nop())
	return m, chunks, req
}

func TestAddCueGrantsStartCredit(t *testing.T) {
	m, _, req := testMixer(t)
	m.AddCue("cue1", "track1", "path.wav", 0, 0, 0)
	m.drainCommands()
	if len(req.bufferRequests) != 1 || req.bufferRequests[0] != "cue1" {
		t.Fatalf("bufferRequests = %v, want one request for cue1", req.bufferRequests)
	}
	if _, ok := m.cues["cue1"]; !ok {
		t.Fatal("cue1 not registered")
	}
}

func TestIngestChunkTransitionsPendingToPlayingAndSignalsStarted(t *testing.T) {
	m, chunks, _ := testMixer(t)
	m.AddCue("cue1", "track1", "path.wav", 0, 0, 0)
	m.drainCommands()

	chunks <- decoder.Chunk{CueID: "cue1", PCM: []float32{0.1, 0.2, 0.3}}
	m.ingestChunks()

	out := m.cues["cue1"]
	if out.state != statePlaying {
		t.Fatalf("state = %v, want playing", out.state)
	}
	select {
	case sig := <-m.Started():
		if sig.CueID != "cue1" {
			t.Errorf("StartedSignal.CueID = %q, want cue1", sig.CueID)
		}
	default:
		t.Fatal("expected a StartedSignal")
	}
}

func TestMixBlockSubstitutesSilenceOnStarvation(t *testing.T) {
	m, chunks, req := testMixer(t)
	m.AddCue("cue1", "track1", "path.wav", 0, 0, 0)
	m.drainCommands()

	// Only 3 of the 10 frames needed for one block.
	chunks <- decoder.Chunk{CueID: "cue1", PCM: []float32{1, 1, 1}}
	m.ingestChunks()

	buf := make([]float32, m.cfg.BlockFrames*m.cfg.Channels)
	m.mixBlock(buf)

	for i := 3; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("buf[%d] = %v, want 0 (silence for starved tail)", i, buf[i])
		}
	}
	if len(req.bufferRequests) < 2 {
		t.Fatalf("expected a follow-up BufferRequest on starvation, got %d total", len(req.bufferRequests))
	}
}

func TestMixBlockClampsToUnitRange(t *testing.T) {
	m, chunks, _ := testMixer(t)
	m.AddCue("cue1", "track1", "path.wav", 0, 0, 0)
	m.drainCommands()

	loud := make([]float32, m.cfg.BlockFrames)
	for i := range loud {
		loud[i] = 5.0
	}
	chunks <- decoder.Chunk{CueID: "cue1", PCM: loud}
	m.ingestChunks()

	buf := make([]float32, m.cfg.BlockFrames*m.cfg.Channels)
	m.mixBlock(buf)

	for _, v := range buf {
		if v > 1.0 || v < -1.0 {
			t.Fatalf("buf value %v out of [-1, 1]", v)
		}
	}
}

func TestMixBlockReportsPerChannelMasterLevelsInDB(t *testing.T) {
	chunks := make(chan decoder.Chunk, 16)
	errs := make(chan protocol.DecodeError, 16)
	req := &fakeRequester{}
	cfg := Config{
		SampleRate:           1000,
		Channels:             2,
		BlockFrames:          10,
		TargetBlocks:         4,
		LowWaterBlocks:       1,
		StarvationWarnBlocks: 1,
		StartCreditBlocks:    2,
	}
	m := New(cfg, chunks, errs, req, zerolog.Nop())
	m.AddCue("cue1", "track1", "path.wav", 0, 0, 0)
	m.drainCommands()

	// Full-scale left channel, silent right channel, for the whole block.
	pcm := make([]float32, cfg.BlockFrames*cfg.Channels)
	for f := 0; f < cfg.BlockFrames; f++ {
		pcm[f*2] = 1
	}
	chunks <- decoder.Chunk{CueID: "cue1", PCM: pcm}
	m.ingestChunks()

	buf := make([]float32, cfg.BlockFrames*cfg.Channels)
	rmsDB, peakDB := m.mixBlock(buf)

	if len(rmsDB) != cfg.Channels || len(peakDB) != cfg.Channels {
		t.Fatalf("got %d rms / %d peak channels, want %d", len(rmsDB), len(peakDB), cfg.Channels)
	}
	if rmsDB[0] < -0.1 || rmsDB[0] > 0.1 {
		t.Fatalf("left channel rms = %v dB, want ~0 dB (full-scale)", rmsDB[0])
	}
	if peakDB[0] < -0.1 || peakDB[0] > 0.1 {
		t.Fatalf("left channel peak = %v dB, want ~0 dB (full-scale)", peakDB[0])
	}
	if rmsDB[1] != negativeInfinityDBFloor {
		t.Fatalf("right channel rms = %v dB, want the silence floor %v (silent channel)", rmsDB[1], negativeInfinityDBFloor)
	}
	if peakDB[1] != negativeInfinityDBFloor {
		t.Fatalf("right channel peak = %v dB, want the silence floor %v (silent channel)", peakDB[1], negativeInfinityDBFloor)
	}
}

func TestIngestChunkMovesToDrainingOnEOF(t *testing.T) {
	m, chunks, _ := testMixer(t)
	m.AddCue("cue1", "track1", "path.wav", 0, 0, 0)
	m.drainCommands()

	// PCM plus EOF in the same chunk: the ring still holds unplayed audio,
	// so the cue should land in DRAINING, not go straight to REMOVED.
	chunks <- decoder.Chunk{CueID: "cue1", PCM: []float32{0.1, 0.2, 0.3}, EOF: true}
	m.ingestChunks()

	out := m.cues["cue1"]
	if out.state != stateDraining {
		t.Fatalf("state = %v, want draining", out.state)
	}
	if !out.eofReceived {
		t.Fatal("eofReceived = false, want true")
	}
}

func TestStopCueImmediateRemovalWithZeroFade(t *testing.T) {
	m, _, req := testMixer(t)
	m.AddCue("cue1", "track1", "path.wav", 0, 0, 0)
	m.drainCommands()

	m.StopCue("cue1", 0)
	m.drainCommands()

	if _, ok := m.cues["cue1"]; ok {
		t.Fatal("cue1 should have been removed immediately")
	}
	if len(req.stops) != 1 || req.stops[0] != "cue1" {
		t.Fatalf("DecodeStop calls = %v, want one for cue1", req.stops)
	}
	select {
	case sig := <-m.Finished():
		if sig.CueID != "cue1" {
			t.Errorf("FinishedSignal.CueID = %q, want cue1", sig.CueID)
		}
	default:
		t.Fatal("expected a FinishedSignal")
	}
}

func TestFadeToSilenceRemovesCueOnCompletion(t *testing.T) {
	m, chunks, _ := testMixer(t)
	m.AddCue("cue1", "track1", "path.wav", 0, 0, 0)
	m.drainCommands()
	chunks <- decoder.Chunk{CueID: "cue1", PCM: make([]float32, 100)}
	m.ingestChunks()

	// Fade over exactly one block's worth of frames so it completes in a
	// single mixBlock call.
	m.Fade("cue1", negativeInfinityDB, 10, protocol.CurveLinear) // 10ms @ 1000Hz = 10 frames = 1 block
	m.drainCommands()

	buf := make([]float32, m.cfg.BlockFrames*m.cfg.Channels)
	m.mixBlock(buf)

	if _, ok := m.cues["cue1"]; ok {
		t.Fatal("cue1 should be removed once its fade-to-silence completes")
	}
}
