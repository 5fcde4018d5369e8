// Package decoder implements the fixed-size decoder worker pool (spec.md
// §4.2): a coordinator routes DecodeStart/DecodeStop/BufferRequest messages
// to N workers selected round-robin by cue id, each worker cooperatively
// round-robins its own set of active jobs, decoding one chunk per job per
// iteration under credit-based flow control.
//
// Workers here are goroutines, not separate OS processes. The teacher has no
// process-level decode isolation to follow (rustyguts-bken's server spawns
// per-room goroutines behind channels, and its own audio pipeline isolates
// PortAudio's native calls behind a stop/wait/close sequence guarding
// against use-after-free). cuegrid keeps workers as goroutines — spawning a real child process per worker for an
// in-process decode library like beep would trade a crash-isolation benefit
// for enormous IPC complexity with nothing in the pack to ground it on — and
// substitutes panic/recover: a worker that panics mid-decode finalizes its
// owned jobs as failed and the coordinator replaces it, which is Go's
// idiomatic analogue of "dead workers are restarted."
package decoder

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuegrid/engine/internal/protocol"
)

// workerIdleSleep is how long a worker sleeps when every owned job is
// waiting on credit (spec.md §5: "a bounded amount of work then yields via
// a short sleep when all jobs are awaiting credit").
const workerIdleSleep = 2 * time.Millisecond

// DefaultSliceCap is the per-chunk frame cap a worker observes regardless
// of available credit (spec.md §4.2 "per-slice cap, e.g. 4096 frames").
const DefaultSliceCap = 4096

// WorkerCount returns min(4, NumCPU), the pool topology spec.md §4.2 calls
// for.
func WorkerCount() int {
	n := runtime.NumCPU()
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Coordinator owns the fixed worker pool and routes messages to it.
type Coordinator struct {
	log zerolog.Logger

	workers    []*worker
	assignment map[string]int // cue id -> worker index
	nextWorker int

	chunks chan Chunk
	errs   chan protocol.DecodeError

	targetRate, targetChannels, sliceCap int
	loopState                            *LoopState
}

// NewCoordinator starts workerCount workers (WorkerCount() if <= 0).
func NewCoordinator(workerCount, targetRate, targetChannels, sliceCap int, loopState *LoopState, log zerolog.Logger) *Coordinator {
	if workerCount <= 0 {
		workerCount = WorkerCount()
	}
	if sliceCap <= 0 {
		sliceCap = DefaultSliceCap
	}
	c := &Coordinator{
		log:            log,
		assignment:     make(map[string]int),
		chunks:         make(chan Chunk, workerCount*4),
		errs:           make(chan protocol.DecodeError, 32),
		targetRate:     targetRate,
		targetChannels: targetChannels,
		sliceCap:       sliceCap,
		loopState:      loopState,
	}
	for i := 0; i < workerCount; i++ {
		c.workers = append(c.workers, c.startWorker(i))
	}
	return c
}

func (c *Coordinator) startWorker(id int) *worker {
	w := newWorker(id, c.chunks, c.errs, c.sliceCap, c.log.With().Int("worker", id).Logger())
	go c.runWorker(w)
	return w
}

// runWorker drives a worker until it stops or crashes, then — on crash —
// replaces it at the same index so future round-robin assignment keeps
// working.
func (c *Coordinator) runWorker(w *worker) {
	w.run()
	if w.crashed {
		c.log.Warn().Int("worker", w.id).Msg("restarting crashed decoder worker")
		c.workers[w.id] = c.startWorker(w.id)
	}
}

// Chunks returns the channel the mixer reads decoded chunks from.
func (c *Coordinator) Chunks() <-chan Chunk { return c.chunks }

// Errors returns the channel decode errors (open failures and mid-stream
// failures alike) are reported on.
func (c *Coordinator) Errors() <-chan protocol.DecodeError { return c.errs }

// DecodeStart opens path and assigns cueID to a worker round-robin, per
// spec.md §4.2's "selected round-robin by cue id" topology.
func (c *Coordinator) DecodeStart(cueID, trackID, filePath string, inFrame uint64, outFrame *uint64, loopEnabled bool) {
	idx := c.nextWorker
	c.nextWorker = (c.nextWorker + 1) % len(c.workers)
	c.assignment[cueID] = idx

	w := c.workers[idx]
	w.inbox <- workerMsg{
		kind: msgStart,
		start: startJob{
			cueID: cueID, trackID: trackID, filePath: filePath,
			inFrame: inFrame, outFrame: outFrame, loopEnabled: loopEnabled,
			targetRate: c.targetRate, targetChannels: c.targetChannels,
			loopState: c.loopState,
		},
	}
}

// DecodeStop tells the owning worker to terminate the job within one
// iteration (spec.md §5 cancellation: "~1-10 ms").
func (c *Coordinator) DecodeStop(cueID string) {
	idx, ok := c.assignment[cueID]
	if !ok {
		return
	}
	delete(c.assignment, cueID)
	c.workers[idx].inbox <- workerMsg{kind: msgStop, cueID: cueID}
}

// BufferRequest increases cueID's decode credit by frames (spec.md §4.2
// flow control).
func (c *Coordinator) BufferRequest(cueID string, frames int) {
	idx, ok := c.assignment[cueID]
	if !ok {
		return
	}
	c.workers[idx].inbox <- workerMsg{kind: msgCredit, cueID: cueID, credit: frames}
}

// UpdateJob applies an UpdateCue mutation to cueID's job in place; nil
// fields are left unchanged. hasOutFrame distinguishes "leave out_frame
// alone" from "set out_frame to end-of-file" (outFrame itself nil).
func (c *Coordinator) UpdateJob(cueID string, inFrame *uint64, outFrame *uint64, hasOutFrame bool, loopEnabled *bool) {
	idx, ok := c.assignment[cueID]
	if !ok {
		return
	}
	c.workers[idx].inbox <- workerMsg{
		kind:  msgUpdate,
		cueID: cueID,
		update: jobUpdate{
			inFrame:     inFrame,
			outFrame:    outFrame,
			hasOutFrame: hasOutFrame,
			loopEnabled: loopEnabled,
		},
	}
}

// Shutdown stops every worker.
func (c *Coordinator) Shutdown() {
	for _, w := range c.workers {
		close(w.stopCh)
	}
}
