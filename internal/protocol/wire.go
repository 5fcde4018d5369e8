package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// wireVersion is bumped whenever the envelope shape changes incompatibly.
const wireVersion = 1

// envelope is the self-describing frame written for every Command or Event:
// a version, a kind tag, and the typed payload as raw JSON. This replaces
// the flat do-everything struct the teacher's ControlMsg uses (every field
// of every message type, "omitempty"-ed down to the ones that apply) with an
// exhaustive sum type, per the redesign note in spec.md §9.
type envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CommandEncoder writes newline-delimited JSON command frames to an
// io.Writer, mirroring the teacher's Transport.writeCtrl framing
// (json.Marshal + trailing '\n').
type CommandEncoder struct {
	w io.Writer
}

func NewCommandEncoder(w io.Writer) *CommandEncoder { return &CommandEncoder{w: w} }

func (e *CommandEncoder) Encode(cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command payload: %w", err)
	}
	env := envelope{V: wireVersion, Type: string(cmd.Kind()), Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal command envelope: %w", err)
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}

// CommandDecoder reads newline-delimited command frames, mirroring the
// teacher's Transport.readControl (bufio.Scanner over a stream).
type CommandDecoder struct {
	scanner *bufio.Scanner
}

func NewCommandDecoder(r io.Reader) *CommandDecoder {
	return &CommandDecoder{scanner: bufio.NewScanner(r)}
}

// Decode reads the next command frame. It returns io.EOF when the
// underlying reader is exhausted.
func (d *CommandDecoder) Decode() (Command, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	var env envelope
	if err := json.Unmarshal(d.scanner.Bytes(), &env); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}
	return decodeCommandPayload(CommandKind(env.Type), env.Payload)
}

func decodeCommandPayload(kind CommandKind, payload json.RawMessage) (Command, error) {
	switch kind {
	case KindPlayCue:
		var c PlayCue
		return c, unmarshalInto(payload, &c)
	case KindStopCue:
		var c StopCue
		return c, unmarshalInto(payload, &c)
	case KindFadeCue:
		var c FadeCue
		return c, unmarshalInto(payload, &c)
	case KindUpdateCue:
		var c UpdateCue
		return c, unmarshalInto(payload, &c)
	case KindSetAutoFadeOnNew:
		var c SetAutoFadeOnNew
		return c, unmarshalInto(payload, &c)
	case KindSetLoopOverride:
		var c SetLoopOverride
		return c, unmarshalInto(payload, &c)
	case KindSetGlobalLoop:
		var c SetGlobalLoop
		return c, unmarshalInto(payload, &c)
	case KindSetMasterGain:
		var c SetMasterGain
		return c, unmarshalInto(payload, &c)
	case KindSetTransitionFadeDurations:
		var c SetTransitionFadeDurations
		return c, unmarshalInto(payload, &c)
	case KindTransportPlay:
		return TransportPlay{}, nil
	case KindTransportPause:
		return TransportPause{}, nil
	case KindTransportStop:
		return TransportStop{}, nil
	case KindTransportNext:
		return TransportNext{}, nil
	case KindTransportPrev:
		return TransportPrev{}, nil
	case KindOutputSetDevice:
		var c OutputSetDevice
		return c, unmarshalInto(payload, &c)
	case KindOutputSetConfig:
		var c OutputSetConfig
		return c, unmarshalInto(payload, &c)
	case KindOutputListDevices:
		return OutputListDevices{}, nil
	case KindBatch:
		return decodeBatch(payload)
	case KindShutdown:
		return Shutdown{}, nil
	default:
		return nil, fmt.Errorf("unknown command kind %q", kind)
	}
}

// rawBatch mirrors Batch but keeps each sub-command as a raw envelope so it
// can be decoded recursively.
type rawBatch struct {
	Commands []envelope `json:"commands"`
}

// MarshalJSON encodes each sub-command as its own versioned envelope, the
// shape decodeBatch reads back.
func (b Batch) MarshalJSON() ([]byte, error) {
	rb := rawBatch{Commands: make([]envelope, 0, len(b.Commands))}
	for _, c := range b.Commands {
		payload, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal batch sub-command: %w", err)
		}
		rb.Commands = append(rb.Commands, envelope{V: wireVersion, Type: string(c.Kind()), Payload: payload})
	}
	return json.Marshal(rb)
}

func decodeBatch(payload json.RawMessage) (Command, error) {
	var rb rawBatch
	if err := unmarshalInto(payload, &rb); err != nil {
		return nil, err
	}
	cmds := make([]Command, 0, len(rb.Commands))
	for _, sub := range rb.Commands {
		c, err := decodeCommandPayload(CommandKind(sub.Type), sub.Payload)
		if err != nil {
			return nil, fmt.Errorf("batch sub-command: %w", err)
		}
		cmds = append(cmds, c)
	}
	return Batch{Commands: cmds}, nil
}

// EventEncoder writes newline-delimited JSON event frames.
type EventEncoder struct {
	w io.Writer
}

func NewEventEncoder(w io.Writer) *EventEncoder { return &EventEncoder{w: w} }

func (e *EventEncoder) Encode(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	env := envelope{V: wireVersion, Type: string(ev.Kind()), Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}

// EventDecoder reads newline-delimited event frames.
type EventDecoder struct {
	scanner *bufio.Scanner
}

func NewEventDecoder(r io.Reader) *EventDecoder {
	return &EventDecoder{scanner: bufio.NewScanner(r)}
}

func (d *EventDecoder) Decode() (Event, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	var env envelope
	if err := json.Unmarshal(d.scanner.Bytes(), &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	switch EventKind(env.Type) {
	case KindCueStarted:
		var e CueStarted
		return e, unmarshalInto(env.Payload, &e)
	case KindCueFinished:
		var e CueFinished
		return e, unmarshalInto(env.Payload, &e)
	case KindBatchCueLevels:
		var e BatchCueLevels
		return e, unmarshalInto(env.Payload, &e)
	case KindBatchCueTime:
		var e BatchCueTime
		return e, unmarshalInto(env.Payload, &e)
	case KindMasterLevels:
		var e MasterLevels
		return e, unmarshalInto(env.Payload, &e)
	case KindDecodeError:
		var e DecodeError
		return e, unmarshalInto(env.Payload, &e)
	case KindTransportState:
		var e TransportState
		return e, unmarshalInto(env.Payload, &e)
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Type)
	}
}

func unmarshalInto(payload json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
