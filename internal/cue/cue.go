// Package cue holds the playback data model shared by the engine facade,
// the decoder pool, and the output mixer (spec.md §3).
package cue

import (
	"fmt"
	"math"
	"time"

	"github.com/cuegrid/engine/internal/protocol"
)

// Cue is the unit of playback: a single armed-and-triggered audio file with
// its own trim points, gain, loop, and fade parameters.
type Cue struct {
	ID           string
	TrackID      string
	FilePath     string
	InFrame      uint64
	OutFrame     *uint64 // nil means end-of-file
	GainDB       float32
	LoopEnabled  bool
	FadeInMS     uint32
	FadeOutMS    uint32
	Layered      bool
	TotalSeconds *float32
	CreatedAt    time.Time
}

// Info is the immutable snapshot bundled with a CueFinished event.
type Info struct {
	CueID       string
	TrackID     string
	FilePath    string
	DurationSec float32
	InFrame     uint64
	OutFrame    *uint64
	FadeInMS    uint32
	FadeOutMS   uint32
	StartedAt   time.Time
	StoppedAt   time.Time
	Reason      protocol.RemovalReason
}

// ToProtocol converts an Info snapshot to its wire representation.
func (i Info) ToProtocol() protocol.CueInfo {
	return protocol.CueInfo{
		CueID:       i.CueID,
		TrackID:     i.TrackID,
		FilePath:    i.FilePath,
		DurationSec: i.DurationSec,
		InFrame:     i.InFrame,
		OutFrame:    i.OutFrame,
		FadeInMS:    i.FadeInMS,
		FadeOutMS:   i.FadeOutMS,
		TODStartISO: i.StartedAt.UTC().Format(time.RFC3339Nano),
		TODStopISO:  i.StoppedAt.UTC().Format(time.RFC3339Nano),
	}
}

// FromPlayCue builds a Cue from an accepted PlayCue command. The caller is
// responsible for calling Validate first.
func FromPlayCue(cmd protocol.PlayCue, now time.Time) Cue {
	return Cue{
		ID:           cmd.CueID,
		TrackID:      cmd.TrackID,
		FilePath:     cmd.FilePath,
		InFrame:      cmd.InFrame,
		OutFrame:     cmd.OutFrame,
		GainDB:       cmd.GainDB,
		LoopEnabled:  cmd.LoopEnabled,
		FadeInMS:     cmd.FadeInMS,
		Layered:      cmd.Layered,
		TotalSeconds: cmd.TotalSeconds,
		CreatedAt:    now,
	}
}

// Validate checks a PlayCue command against the data-model invariants in
// spec.md §3 before a cue entry is ever created.
//
// spec.md leaves `out_frame < in_frame` as an open question ("implementers
// may choose to reject it at command-validation time"); cuegrid rejects it
// here rather than silently treating it as an immediate-EOF cue, so a
// mis-authored trim point surfaces to the caller instead of silently
// producing a cue that plays nothing (see DESIGN.md).
func Validate(cmd protocol.PlayCue) error {
	if cmd.CueID == "" {
		return fmt.Errorf("cue id must not be empty")
	}
	if cmd.FilePath == "" {
		return fmt.Errorf("file path must not be empty")
	}
	if cmd.OutFrame != nil && *cmd.OutFrame < cmd.InFrame {
		return fmt.Errorf("out_frame %d is before in_frame %d", *cmd.OutFrame, cmd.InFrame)
	}
	if g := float64(cmd.GainDB); math.IsNaN(g) || math.IsInf(g, 0) {
		return fmt.Errorf("gain_db %v is not finite", cmd.GainDB)
	}
	return nil
}
