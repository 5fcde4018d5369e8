package mixer

import "testing"

func TestCueStateTransitions(t *testing.T) {
	cases := []struct {
		from, to cueState
		want     bool
	}{
		{statePending, statePlaying, true},
		{statePending, stateRemoved, true},
		{statePending, stateDraining, false},
		{statePlaying, stateDraining, true},
		{statePlaying, stateRemoved, true},
		{statePlaying, statePending, false},
		{stateDraining, stateRemoved, true},
		{stateDraining, statePlaying, false},
		{stateRemoved, statePlaying, false},
		{stateRemoved, stateRemoved, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCueStateString(t *testing.T) {
	cases := map[cueState]string{
		statePending:  "pending",
		statePlaying:  "playing",
		stateDraining: "draining",
		stateRemoved:  "removed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(state), got, want)
		}
	}
}
