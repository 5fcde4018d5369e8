package decoder

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuegrid/engine/internal/protocol"
)

// errWorkerCrashed is the error text reported for jobs still owned by a
// worker at the moment it panicked.
var errWorkerCrashed = errors.New("decoder: worker crashed")

func afterIdle() <-chan time.Time {
	return time.After(workerIdleSleep)
}

type msgKind int

const (
	msgStart msgKind = iota
	msgStop
	msgCredit
	msgUpdate
)

// jobUpdate carries the optional-field mutation from an UpdateCue command
// (spec.md §4.1); nil fields mean "leave unchanged".
type jobUpdate struct {
	inFrame     *uint64
	outFrame    *uint64
	hasOutFrame bool // outFrame may itself legitimately be nil (end-of-file)
	loopEnabled *bool
}

// startJob carries everything DecodeStart needs to open a job; it is kept
// as its own type (rather than passed as loose args) so workerMsg stays a
// single flat struct regardless of which kind it carries.
type startJob struct {
	cueID, trackID, filePath   string
	inFrame                    uint64
	outFrame                   *uint64
	loopEnabled                bool
	targetRate, targetChannels int
	loopState                  *LoopState
}

type workerMsg struct {
	kind   msgKind
	cueID  string
	credit int
	start  startJob
	update jobUpdate
}

// worker cooperatively round-robins multiple active decode jobs, producing
// chunks onto a shared channel under credit-based flow control (spec.md
// §4.2).
type worker struct {
	id       int
	inbox    chan workerMsg
	stopCh   chan struct{}
	chunks   chan<- Chunk
	errs     chan<- protocol.DecodeError
	sliceCap int
	log      zerolog.Logger

	jobs  map[string]*Job
	order []string // round-robin iteration order
	pos   int

	crashed bool
}

func newWorker(id int, chunks chan<- Chunk, errs chan<- protocol.DecodeError, sliceCap int, log zerolog.Logger) *worker {
	return &worker{
		id:       id,
		inbox:    make(chan workerMsg, 64),
		stopCh:   make(chan struct{}),
		chunks:   chunks,
		errs:     errs,
		sliceCap: sliceCap,
		log:      log,
		jobs:     make(map[string]*Job),
	}
}

func (w *worker) run() {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("decoder worker panicked")
			w.crashed = true
			w.failAllOwnedJobs()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			w.closeAllJobs()
			return
		default:
		}

		w.drainInbox()

		if !w.stepOneJob() {
			select {
			case <-w.stopCh:
				w.closeAllJobs()
				return
			case msg := <-w.inbox:
				w.handle(msg)
			case <-afterIdle():
			}
		}
	}
}

func (w *worker) drainInbox() {
	for {
		select {
		case msg := <-w.inbox:
			w.handle(msg)
		default:
			return
		}
	}
}

func (w *worker) handle(msg workerMsg) {
	switch msg.kind {
	case msgStart:
		w.handleStart(msg.start)
	case msgStop:
		w.handleStop(msg.cueID)
	case msgCredit:
		if j, ok := w.jobs[msg.cueID]; ok {
			j.AddCredit(msg.credit)
		}
	case msgUpdate:
		if j, ok := w.jobs[msg.cueID]; ok {
			w.applyUpdate(j, msg.update)
		}
	}
}

func (w *worker) applyUpdate(j *Job, u jobUpdate) {
	if u.inFrame != nil {
		j.SetInFrame(*u.inFrame)
	}
	if u.hasOutFrame {
		j.SetOutFrame(u.outFrame)
	}
	if u.loopEnabled != nil {
		j.SetLoopEnabled(*u.loopEnabled)
	}
}

func (w *worker) handleStart(s startJob) {
	job, err := NewJob(s.cueID, s.trackID, s.filePath, s.inFrame, s.outFrame, s.loopEnabled, s.loopState, s.targetRate, s.targetChannels)
	if err != nil {
		w.reportError(s.cueID, s.trackID, s.filePath, err)
		return
	}
	w.jobs[s.cueID] = job
	w.order = append(w.order, s.cueID)
}

func (w *worker) handleStop(cueID string) {
	job, ok := w.jobs[cueID]
	if !ok {
		return
	}
	// Ship a final empty EOF chunk so the mixer can drain and finalize even
	// if the job produced no further buffered audio (spec.md §4.2: "the PCM
	// payload may be empty" on a forced stop).
	select {
	case w.chunks <- Chunk{CueID: cueID, TrackID: job.TrackID, EOF: true}:
	default:
	}
	job.Close()
	delete(w.jobs, cueID)
	w.removeFromOrder(cueID)
}

func (w *worker) removeFromOrder(cueID string) {
	for i, id := range w.order {
		if id == cueID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			if w.pos > i {
				w.pos--
			}
			return
		}
	}
}

// stepOneJob advances the round-robin cursor to the next job with positive
// credit that is not yet EOF, decodes one chunk from it, and returns
// whether any work was done.
func (w *worker) stepOneJob() bool {
	n := len(w.order)
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		idx := (w.pos + i) % n
		cueID := w.order[idx]
		job, ok := w.jobs[cueID]
		if !ok || !job.HasCredit() {
			continue
		}
		w.pos = (idx + 1) % n
		chunk, err := job.DecodeSlice(w.sliceCap)
		if err != nil {
			if ErrNoCredit(err) {
				continue
			}
			w.reportError(cueID, job.TrackID, job.FilePath, err)
			// spec.md §7: a mid-stream decode error flags EOF so the mixer
			// drains whatever it already buffered instead of hanging on a
			// ring that will never see another write.
			select {
			case w.chunks <- Chunk{CueID: cueID, TrackID: job.TrackID, EOF: true}:
			default:
			}
			w.finishJob(cueID)
			return true
		}
		select {
		case w.chunks <- chunk:
		default:
			// Mixer is behind; rather than block the whole worker (which
			// would stall every other job it owns), drop this chunk. The
			// mixer will issue another BufferRequest once it catches up.
		}
		if chunk.EOF {
			w.finishJob(cueID)
		}
		return true
	}
	return false
}

func (w *worker) finishJob(cueID string) {
	if job, ok := w.jobs[cueID]; ok {
		job.Close()
		delete(w.jobs, cueID)
	}
	w.removeFromOrder(cueID)
}

func (w *worker) reportError(cueID, trackID, filePath string, err error) {
	select {
	case w.errs <- protocol.DecodeError{CueID: cueID, TrackID: trackID, FilePath: filePath, ErrorText: err.Error()}:
	default:
	}
}

func (w *worker) closeAllJobs() {
	for cueID, job := range w.jobs {
		job.Close()
		delete(w.jobs, cueID)
	}
	w.order = nil
}

// failAllOwnedJobs is called from the panic-recovery path in run(): it
// reports every job this worker still owned as a decode error so the
// facade can finalize those cues with reason=error, per spec.md §7's
// "Worker crash" propagation policy.
func (w *worker) failAllOwnedJobs() {
	for cueID, job := range w.jobs {
		w.reportError(cueID, job.TrackID, job.FilePath, errWorkerCrashed)
		select {
		case w.chunks <- Chunk{CueID: cueID, TrackID: job.TrackID, EOF: true}:
		default:
		}
	}
}
