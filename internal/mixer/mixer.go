// Package mixer implements the output mixer subsystem (spec.md §4.3): it
// owns the audio device, runs a block-pull loop that assembles fixed-size
// blocks from per-cue ring buffers, applies gain envelopes and master gain,
// and writes interleaved PCM to the device.
//
// The device lifecycle (open, start, stop before close,
// wait for the loop goroutine before freeing native handles) follows the
// teacher's AudioEngine.Start/Stop sequencing in rustyguts-bken/client/audio.go
// almost exactly — only the single playback direction and the per-cue
// additive mix differ from the teacher's per-sender jitter-buffered mix.
package mixer

import (
	"fmt"
	"math"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/cuegrid/engine/internal/decoder"
	"github.com/cuegrid/engine/internal/protocol"
	"github.com/cuegrid/engine/internal/ringbuffer"
)

// peakHoldBlocks is how many past blocks' peaks a cue's meter holds onto,
// so UI meters don't flicker between successive instantaneous peaks
// (SPEC_FULL.md §3, grounded on original_source's peak-hold behavior).
const peakHoldBlocks = 8

// decodeRequester is the subset of *decoder.Coordinator the mixer needs;
// kept as an interface so mixer tests don't have to spin up real decode
// workers.
type decodeRequester interface {
	BufferRequest(cueID string, frames int)
	DecodeStop(cueID string)
}

// Config is the device/format configuration the mixer runs at.
type Config struct {
	SampleRate     int
	Channels       int
	BlockFrames    int
	TargetBlocks   int // ring buffer target occupancy, in blocks
	LowWaterBlocks int
	StarvationWarnBlocks int
	StartCreditBlocks    int // credit granted to a fresh cue, in blocks

	// StarvationWindow/StarvationThreshold gate the escalation from a
	// routine starvation warning to a DecodeError-level diagnostic
	// (SPEC_FULL.md §3, resolving spec.md §9's open question on the
	// rolling-window threshold).
	StarvationWindow    time.Duration
	StarvationThreshold int
}

// cueOutput is one cue's mixer-owned playback state (spec.md §3 "Per-cue
// output state").
type cueOutput struct {
	cueID, trackID, filePath string

	ring *ringbuffer.Buffer
	gain float64
	env  *envelope

	state cueState

	eofReceived bool
	started     bool

	framesPlayed uint64 // non-silent frames mixed, for elapsed-time telemetry
	totalFrames  uint64 // 0 if unknown

	peak   [peakHoldBlocks]float32
	peakAt int
}

func (c *cueOutput) pushPeak(p float32) {
	c.peak[c.peakAt] = p
	c.peakAt = (c.peakAt + 1) % peakHoldBlocks
}

func (c *cueOutput) peakHold() float32 {
	var max float32
	for _, p := range c.peak {
		if p > max {
			max = p
		}
	}
	return max
}

// StartedSignal is emitted the block a cue's first audio is mixed in
// (spec.md §4.1: "emits CueStarted when first PCM arrives").
type StartedSignal struct {
	CueID, TrackID, FilePath string
	TotalSeconds             *float32
}

// FinishedSignal reports that the mixer has fully drained a cue's ring
// buffer after eof; the facade (not the mixer) decides the final
// RemovalReason via its side table, per the design note in spec.md §9 about
// breaking the facade/mixer removal-reason cycle.
type FinishedSignal struct {
	CueID string
}

// LevelSnapshot is one cue's RMS/peak-hold over the last mixed block.
type LevelSnapshot struct {
	CueID     string
	RMS, Peak float32
}

// TimeSnapshot is one cue's elapsed/remaining time in engine (untrimmed)
// terms.
type TimeSnapshot struct {
	CueID               string
	ElapsedS, RemainingS float32
}

// Mixer owns the output device and the per-cue mixing state.
type Mixer struct {
	log zerolog.Logger
	cfg Config

	stream      *portaudio.Stream
	deviceIndex *int
	deviceName  string

	cues map[string]*cueOutput

	cmds chan func(*Mixer) // SPSC command queue, drained at block boundaries

	chunks    <-chan decoder.Chunk
	decodeErrs <-chan protocol.DecodeError
	requester decodeRequester

	masterGain float64
	paused     bool

	starvationCount int
	starvationSince time.Time

	pendingLevels []LevelSnapshot
	pendingTimes  []TimeSnapshot

	// scratch/gainScratch are reused across blocks so the per-cue mixing
	// buffers are not reallocated every block (spec.md §4.3: "the callback
	// MUST NOT allocate"). mixBlock still allocates the two per-channel
	// master dB slices it returns on every block.
	scratch     []float32
	gainScratch []float64

	// masterSumSq/masterPeakLin are per-channel accumulators reused across
	// blocks for the master telemetry pass.
	masterSumSq   []float64
	masterPeakLin []float32

	started  chan StartedSignal
	finished chan FinishedSignal
	levels   chan []LevelSnapshot
	times    chan []TimeSnapshot
	master   chan protocol.MasterLevels
	errs     chan protocol.DecodeError

	stopCh chan struct{}
	done   chan struct{}
}

// New builds a Mixer bound to chunks (from the decoder coordinator) and
// requester (for BufferRequest/DecodeStop). Call Start to open the device
// and begin the block loop.
func New(cfg Config, chunks <-chan decoder.Chunk, decodeErrs <-chan protocol.DecodeError, requester decodeRequester, log zerolog.Logger) *Mixer {
	return &Mixer{
		log:        log,
		cfg:        cfg,
		cues:       make(map[string]*cueOutput),
		cmds:       make(chan func(*Mixer), 256),
		chunks:     chunks,
		decodeErrs: decodeErrs,
		requester:  requester,
		masterGain: 1,
		started:    make(chan StartedSignal, 32),
		finished:   make(chan FinishedSignal, 32),
		levels:     make(chan []LevelSnapshot, 8),
		times:      make(chan []TimeSnapshot, 8),
		master:     make(chan protocol.MasterLevels, 8),
		errs:       make(chan protocol.DecodeError, 32),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (m *Mixer) Started() <-chan StartedSignal         { return m.started }
func (m *Mixer) Finished() <-chan FinishedSignal        { return m.finished }
func (m *Mixer) Levels() <-chan []LevelSnapshot          { return m.levels }
func (m *Mixer) Times() <-chan []TimeSnapshot            { return m.times }
func (m *Mixer) MasterLevels() <-chan protocol.MasterLevels { return m.master }
func (m *Mixer) Errors() <-chan protocol.DecodeError     { return m.errs }

// Start opens the configured device and begins the block loop on its own
// goroutine. Mirrors the teacher's AudioEngine.Start: resolve the device,
// open the stream, start it, then launch the loop.
func (m *Mixer) Start() error {
	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("mixer: list devices: %w", err)
	}
	dev, err := resolveDevice(devices, m.deviceIndex, m.deviceName, portaudio.DefaultOutputDevice)
	if err != nil {
		return fmt.Errorf("mixer: resolve output device: %w", err)
	}

	buf := make([]float32, m.cfg.BlockFrames*m.cfg.Channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: m.cfg.Channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(m.cfg.SampleRate),
		FramesPerBuffer: m.cfg.BlockFrames,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return fmt.Errorf("mixer: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("mixer: start stream: %w", err)
	}

	m.stream = stream
	go m.run(buf)
	return nil
}

// Stop halts the block loop and releases the device. It closes stopCh and
// waits for the loop to exit (a pending blocking Write() returns once its
// block is consumed), and only then calls Stream.Stop() and Close() to free
// the native handle (same ordering reason the teacher documents in
// AudioEngine.Stop: freeing while a goroutine might still be writing is a
// use-after-free).
func (m *Mixer) Stop() {
	close(m.stopCh)
	<-m.done
	if m.stream != nil {
		m.stream.Stop()
		m.stream.Close()
		m.stream = nil
	}
}

// SetDevice changes which device a future Start or Reconfigure opens. It
// does not itself tear down a running stream.
func (m *Mixer) SetDevice(idx *int, name string) {
	m.deviceIndex = idx
	m.deviceName = name
}

// Reconfigure tears down the current stream and reopens it under cfg,
// rebuilding every cue's ring buffer at the new block/format size (spec.md
// §4.1 OutputSetConfig: "tears down and reallocates the output stream").
// Like SetDevice, this is driven by the facade's own goroutine rather than
// the block loop, so it is safe to touch m.cues directly once Stop has
// joined the loop goroutine.
func (m *Mixer) Reconfigure(cfg Config) error {
	m.Stop()
	m.cfg = cfg
	for _, out := range m.cues {
		out.ring = ringbuffer.New(cfg.TargetBlocks * cfg.BlockFrames * cfg.Channels)
	}
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	return m.Start()
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx *int, name string, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if name != "" {
		for _, d := range devices {
			if d.Name == name {
				return d, nil
			}
		}
		return nil, fmt.Errorf("no output device named %q", name)
	}
	if idx != nil && *idx >= 0 && *idx < len(devices) {
		return devices[*idx], nil
	}
	return fallback()
}

// ListDevices returns every output-capable device for OutputListDevices.
func ListDevices() ([]*portaudio.DeviceInfo, error) {
	all, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	var out []*portaudio.DeviceInfo
	for _, d := range all {
		if d.MaxOutputChannels > 0 {
			out = append(out, d)
		}
	}
	return out, nil
}

// enqueue submits fn to run on the block-loop goroutine at the next block
// boundary (spec.md §4.3 step 1: "drain pending commands"). Safe to call
// from any goroutine; never blocks the caller beyond the channel's buffer.
func (m *Mixer) enqueue(fn func(*Mixer)) {
	select {
	case m.cmds <- fn:
	default:
		m.log.Warn().Msg("mixer command queue full, dropping command")
	}
}

// AddCue registers a new cue's output state and grants it its initial
// decode credit.
func (m *Mixer) AddCue(cueID, trackID, filePath string, fadeInMS uint32, gainDB float32, totalFrames uint64) {
	m.enqueue(func(m *Mixer) {
		ring := ringbuffer.New(m.cfg.TargetBlocks * m.cfg.BlockFrames * m.cfg.Channels)
		out := &cueOutput{
			cueID:       cueID,
			trackID:     trackID,
			filePath:    filePath,
			ring:        ring,
			gain:        dbToLinear(gainDB),
			state:       statePending,
			totalFrames: totalFrames,
		}
		if fadeInMS > 0 {
			e := newEnvelope(0, gainDB, fadeInMS, protocol.CurveLinear, m.cfg.SampleRate)
			out.env = &e
			out.gain = 0
		}
		m.cues[cueID] = out
		m.requester.BufferRequest(cueID, m.cfg.StartCreditBlocks*m.cfg.BlockFrames)
	})
}

// Fade installs a new gain envelope on cueID, overriding any fade in
// flight (spec.md §4.1 FadeCue).
func (m *Mixer) Fade(cueID string, targetDB float32, durationMS uint32, curve protocol.FadeCurve) {
	m.enqueue(func(m *Mixer) {
		out, ok := m.cues[cueID]
		if !ok || out.state == stateRemoved {
			return
		}
		e := newEnvelope(out.gain, targetDB, durationMS, curve, m.cfg.SampleRate)
		out.env = &e
		if e.done() {
			out.gain = e.targetGain
		}
	})
}

// StopCue installs a fade-to-silence (or removes immediately if
// fadeOutMS==0). The facade, not the mixer, tracks the RemovalReason to
// attach to the eventual CueFinished event (spec.md §9 design note on
// finalizing the reason at a single point).
func (m *Mixer) StopCue(cueID string, fadeOutMS uint32) {
	m.enqueue(func(m *Mixer) {
		out, ok := m.cues[cueID]
		if !ok || out.state == stateRemoved {
			return
		}
		if fadeOutMS == 0 {
			m.requester.DecodeStop(cueID)
			if canTransition(out.state, stateRemoved) {
				out.state = stateRemoved
			}
			m.finishLocked(out)
			return
		}
		e := newEnvelope(out.gain, negativeInfinityDB, fadeOutMS, protocol.CurveLinear, m.cfg.SampleRate)
		out.env = &e
	})
}

// SetGain instantly changes a cue's gain outside of any fade (spec.md §4.1
// UpdateCue: "mutates the corresponding fields", no envelope implied).
func (m *Mixer) SetGain(cueID string, gainDB float32) {
	m.enqueue(func(m *Mixer) {
		out, ok := m.cues[cueID]
		if !ok || out.state == stateRemoved {
			return
		}
		out.env = nil
		out.gain = dbToLinear(gainDB)
	})
}

// SetMasterGain applies a post-mix linear multiplier (spec.md §4.1).
func (m *Mixer) SetMasterGain(db float32) {
	m.enqueue(func(m *Mixer) { m.masterGain = dbToLinear(db) })
}

// SetPaused mutes or unmutes master output without touching cue state
// (spec.md §4.1 TransportPause/Play).
func (m *Mixer) SetPaused(paused bool) {
	m.enqueue(func(m *Mixer) { m.paused = paused })
}

// finishLocked emits FinishedSignal for out and removes it from the cue
// map. Called only from the block-loop goroutine.
func (m *Mixer) finishLocked(out *cueOutput) {
	delete(m.cues, out.cueID)
	select {
	case m.finished <- FinishedSignal{CueID: out.cueID}:
	default:
		m.log.Warn().Str("cue_id", out.cueID).Msg("finished signal dropped, channel full")
	}
}

// run is the block-pull loop (spec.md §4.3 steps 1-9). It mirrors the
// teacher's playbackLoop shape: drain inbound messages, build a silence-
// initialized buffer, mix, clamp, write.
func (m *Mixer) run(buf []float32) {
	defer close(m.done)

	ticker := time.NewTicker(20 * time.Millisecond) // telemetry tick, spec.md §4.1 "20-50 Hz"
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.drainCommands()
		m.ingestChunks()
		m.ingestDecodeErrors()

		masterRMSDB, masterPeakDB := m.mixBlock(buf)

		select {
		case <-ticker.C:
			m.emitTelemetry(masterRMSDB, masterPeakDB)
		default:
		}

		if err := m.stream.Write(); err != nil {
			m.log.Error().Err(err).Msg("mixer: device write failed")
			return
		}
	}
}

func (m *Mixer) drainCommands() {
	for {
		select {
		case fn := <-m.cmds:
			fn(m)
		default:
			return
		}
	}
}

// ingestChunks writes freshly decoded PCM into each cue's ring buffer and
// transitions PENDING -> PLAYING on first arrival (spec.md §4.1: "emits
// CueStarted when first PCM arrives").
func (m *Mixer) ingestChunks() {
	for {
		select {
		case chunk := <-m.chunks:
			out, ok := m.cues[chunk.CueID]
			if !ok {
				continue
			}
			if len(chunk.PCM) > 0 {
				out.ring.Write(chunk.PCM)
			}
			if chunk.EOF {
				out.eofReceived = true
			}
			if out.state == statePending && (len(chunk.PCM) > 0 || chunk.EOF) {
				out.state = statePlaying
				if !out.started {
					out.started = true
					var total *float32
					if out.totalFrames > 0 {
						t := float32(out.totalFrames) / float32(m.cfg.SampleRate)
						total = &t
					}
					select {
					case m.started <- StartedSignal{CueID: out.cueID, TrackID: out.trackID, FilePath: out.filePath, TotalSeconds: total}:
					default:
						m.log.Warn().Str("cue_id", out.cueID).Msg("started signal dropped, channel full")
					}
				}
			}
			// EOF means no more decoded chunks are coming; the cue moves to
			// DRAINING while its ring buffer (and any in-flight fade) still
			// has content to play out (spec.md §4.3 cue state machine).
			if chunk.EOF && canTransition(out.state, stateDraining) {
				out.state = stateDraining
			}
		default:
			return
		}
	}
}

func (m *Mixer) ingestDecodeErrors() {
	for {
		select {
		case e := <-m.decodeErrs:
			select {
			case m.errs <- e:
			default:
			}
		default:
			return
		}
	}
}

// mixBlock implements spec.md §4.3 steps 2-8 for one block and returns
// per-channel master RMS/peak in dB for telemetry (spec.md §200: "per
// channel, in dB").
func (m *Mixer) mixBlock(buf []float32) (rmsDB, peakDB []float32) {
	for i := range buf {
		buf[i] = 0
	}

	blockSamples := m.cfg.BlockFrames * m.cfg.Channels
	if len(m.scratch) != blockSamples {
		m.scratch = make([]float32, blockSamples)
	}
	if len(m.gainScratch) != m.cfg.BlockFrames {
		m.gainScratch = make([]float64, m.cfg.BlockFrames)
	}
	scratch := m.scratch
	gainScratch := m.gainScratch

	for id, out := range m.cues {
		if out.state == stateRemoved {
			continue
		}
		n := out.ring.Read(scratch)
		if n < blockSamples {
			deficit := blockSamples - n
			m.handleStarvation(id, deficit)
			for i := n; i < blockSamples; i++ {
				scratch[i] = 0
			}
		}

		gains := gainScratch[:m.cfg.BlockFrames]
		if out.env != nil {
			completed, toSilence := out.env.advanceBlock(gains)
			out.gain = out.env.targetGain
			if completed {
				if toSilence {
					if canTransition(out.state, stateRemoved) {
						out.state = stateRemoved
					}
					m.finishLocked(out)
				} else {
					out.env = nil
				}
			}
		} else {
			for i := range gains {
				gains[i] = out.gain
			}
		}

		var cuePeak float32
		var sumSq float64
		for f := 0; f < m.cfg.BlockFrames; f++ {
			g := gains[f]
			for c := 0; c < m.cfg.Channels; c++ {
				idx := f*m.cfg.Channels + c
				v := scratch[idx] * float32(g)
				buf[idx] += v
				av := float32(math.Abs(float64(v)))
				if av > cuePeak {
					cuePeak = av
				}
				sumSq += float64(v) * float64(v)
			}
		}
		if n > 0 {
			out.framesPlayed += uint64(n / m.cfg.Channels)
		}
		out.pushPeak(cuePeak)
		cueRMS := float32(math.Sqrt(sumSq / float64(blockSamples)))
		if out.state != stateRemoved {
			m.pendingLevels = append(m.pendingLevels, LevelSnapshot{CueID: id, RMS: cueRMS, Peak: out.peakHold()})
			m.pendingTimes = append(m.pendingTimes, TimeSnapshot{
				CueID:      id,
				ElapsedS:   float32(out.framesPlayed) / float32(m.cfg.SampleRate),
				RemainingS: remainingSeconds(out, m.cfg.SampleRate),
			})
		}

		if out.eofReceived && out.ring.Len() == 0 && out.env == nil {
			if canTransition(out.state, stateRemoved) {
				out.state = stateRemoved
			}
			m.finishLocked(out)
		}
	}

	if m.paused {
		for i := range buf {
			buf[i] = 0
		}
	} else if m.masterGain != 1 {
		for i := range buf {
			buf[i] *= float32(m.masterGain)
		}
	}

	channels := m.cfg.Channels
	if len(m.masterSumSq) != channels {
		m.masterSumSq = make([]float64, channels)
	}
	if len(m.masterPeakLin) != channels {
		m.masterPeakLin = make([]float32, channels)
	}
	sumSq := m.masterSumSq
	peakLin := m.masterPeakLin
	for c := 0; c < channels; c++ {
		sumSq[c] = 0
		peakLin[c] = 0
	}

	for f := 0; f < m.cfg.BlockFrames; f++ {
		for c := 0; c < channels; c++ {
			idx := f*channels + c
			buf[idx] = clamp(buf[idx])
			v := buf[idx]
			av := float32(math.Abs(float64(v)))
			if av > peakLin[c] {
				peakLin[c] = av
			}
			sumSq[c] += float64(v) * float64(v)
		}
	}

	rmsDB = make([]float32, channels)
	peakDB = make([]float32, channels)
	for c := 0; c < channels; c++ {
		rmsLin := float32(math.Sqrt(sumSq[c] / float64(m.cfg.BlockFrames)))
		rmsDB[c] = linearToDB(rmsLin)
		peakDB[c] = linearToDB(peakLin[c])
	}
	return rmsDB, peakDB
}

func remainingSeconds(out *cueOutput, sampleRate int) float32 {
	if out.totalFrames == 0 {
		return 0
	}
	total := float32(out.totalFrames) / float32(sampleRate)
	remaining := total - float32(out.framesPlayed)/float32(sampleRate)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// handleStarvation requests more credit to cover the deficit (spec.md
// §4.3 step 2: "enqueue a BufferRequest for a multiple of B"); if the
// deficit clears the configured warn floor it also logs and feeds the
// rolling escalation counter (spec.md §7, SPEC_FULL.md §3).
func (m *Mixer) handleStarvation(cueID string, deficitSamples int) {
	m.requester.BufferRequest(cueID, m.cfg.TargetBlocks*m.cfg.BlockFrames)

	if deficitSamples < m.cfg.StarvationWarnBlocks*m.cfg.BlockFrames*m.cfg.Channels {
		return
	}
	m.log.Warn().Str("cue_id", cueID).Int("deficit_samples", deficitSamples).Msg("ring buffer starved")

	window := m.cfg.StarvationWindow
	if window <= 0 {
		window = 2 * time.Second
	}
	threshold := m.cfg.StarvationThreshold
	if threshold <= 0 {
		threshold = 3
	}

	now := time.Now()
	if now.Sub(m.starvationSince) > window {
		m.starvationSince = now
		m.starvationCount = 0
	}
	m.starvationCount++
	if m.starvationCount >= threshold {
		select {
		case m.errs <- protocol.DecodeError{CueID: cueID, ErrorText: "repeated starvation"}:
		default:
		}
	}
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// emitTelemetry flushes the block-accumulated level/time snapshots
// (pendingLevels/pendingTimes), amortizing channel sends per spec.md §4.1
// ("batched per tick to amortize channel cost").
func (m *Mixer) emitTelemetry(masterRMSDB, masterPeakDB []float32) {
	if len(m.pendingLevels) > 0 {
		select {
		case m.levels <- m.pendingLevels:
		default:
		}
		m.pendingLevels = nil
	}
	if len(m.pendingTimes) > 0 {
		select {
		case m.times <- m.pendingTimes:
		default:
		}
		m.pendingTimes = nil
	}
	select {
	case m.master <- protocol.MasterLevels{RMS: masterRMSDB, Peak: masterPeakDB}:
	default:
	}
}
