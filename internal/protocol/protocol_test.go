package protocol

import (
	"bytes"
	"testing"
)

func TestCommandRoundTrip(t *testing.T) {
	out := uint64(48000)
	total := float32(12.5)

	cases := []Command{
		PlayCue{
			CueID: "c1", TrackID: "t1", FilePath: "/tmp/a.wav",
			InFrame: 0, OutFrame: &out, GainDB: -6, FadeInMS: 250,
			LoopEnabled: true, Layered: false, TotalSeconds: &total,
		},
		StopCue{CueID: "c1", FadeOutMS: 500},
		FadeCue{CueID: "c1", TargetDB: -60, DurationMS: 1000, Curve: CurveEqualPower},
		UpdateCue{CueID: "c1", GainDB: &total},
		SetAutoFadeOnNew{Enabled: true},
		SetLoopOverride{Enabled: true},
		SetGlobalLoop{Enabled: false},
		SetMasterGain{GainDB: -3},
		SetTransitionFadeDurations{InMS: 100, OutMS: 500},
		TransportPlay{},
		TransportPause{},
		TransportStop{},
		OutputSetConfig{SampleRate: 48000, Channels: 2, BlockFrames: 2048},
		OutputListDevices{},
		Shutdown{},
		Batch{Commands: []Command{StopCue{CueID: "c2"}, TransportStop{}}},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := NewCommandEncoder(&buf).Encode(want); err != nil {
			t.Fatalf("encode %T: %v", want, err)
		}
		got, err := NewCommandDecoder(&buf).Decode()
		if err != nil {
			t.Fatalf("decode %T: %v", want, err)
		}
		if got.Kind() != want.Kind() {
			t.Fatalf("kind mismatch: got %v want %v", got.Kind(), want.Kind())
		}
	}
}

func TestCommandDecoderEOF(t *testing.T) {
	dec := NewCommandDecoder(bytes.NewReader(nil))
	if _, err := dec.Decode(); err == nil {
		t.Fatal("expected EOF, got nil error")
	}
}

func TestCommandDecoderRejectsUnknownKind(t *testing.T) {
	dec := NewCommandDecoder(bytes.NewBufferString(`{"v":1,"type":"not_a_real_command","payload":{}}` + "\n"))
	if _, err := dec.Decode(); err == nil {
		t.Fatal("expected error for unknown command kind")
	}
}

func TestEventRoundTrip(t *testing.T) {
	cases := []Event{
		CueStarted{CueID: "c1", TrackID: "t1", TODStartISO: "2026-07-31T00:00:00Z", FilePath: "/tmp/a.wav"},
		CueFinished{Info: CueInfo{CueID: "c1"}, Reason: ReasonEOF},
		BatchCueLevels{Levels: map[string]CueLevel{"c1": {RMS: 0.1, Peak: 0.2}}},
		BatchCueTime{Times: map[string]CueTime{"c1": {ElapsedS: 1, RemainingS: 2}}},
		MasterLevels{RMS: []float32{-10, -11}, Peak: []float32{-3, -4}},
		DecodeError{CueID: "c1", ErrorText: "boom"},
		TransportState{State: "stopped"},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := NewEventEncoder(&buf).Encode(want); err != nil {
			t.Fatalf("encode %T: %v", want, err)
		}
		got, err := NewEventDecoder(&buf).Decode()
		if err != nil {
			t.Fatalf("decode %T: %v", want, err)
		}
		if got.Kind() != want.Kind() {
			t.Fatalf("kind mismatch: got %v want %v", got.Kind(), want.Kind())
		}
	}
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		event Event
		want  Category
	}{
		{CueStarted{}, CategoryLifecycle},
		{CueFinished{}, CategoryLifecycle},
		{BatchCueLevels{}, CategoryTelemetry},
		{BatchCueTime{}, CategoryTelemetry},
		{MasterLevels{}, CategoryTelemetry},
		{DecodeError{}, CategoryDiagnostic},
		{TransportState{}, CategoryDiagnostic},
	}
	for _, tc := range tests {
		if got := CategoryOf(tc.event); got != tc.want {
			t.Errorf("CategoryOf(%T) = %v, want %v", tc.event, got, tc.want)
		}
	}
}
