package execution

import (
	"testing"
	"time"
)

func TestValuesEqualNormalizesTypes(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"int vs float", 42, float64(42), true},
		{"nested maps", map[string]any{"a": []any{1, 2}}, map[string]any{"a": []any{float64(1), float64(2)}}, true},
		{"different values", "on", "off", false},
		{"nil vs nil", nil, nil, true},
		{"nil vs zero", nil, 0, false},
		{"string vs number", "42", 42, false},
	}
	for _, tc := range cases {
		if got := ValuesEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("%s: ValuesEqual(%v, %v) = %v, want %v", tc.name, tc.a, tc.b, got, tc.want)
		}
	}
}

func TestValueSetSemantics(t *testing.T) {
	var v *Value
	if v.Set() {
		t.Fatal("nil value must not count as set")
	}

	epoch := time.Now().Unix()
	v = &Value{NodeName: "x"}
	if v.Set() {
		t.Fatal("value without set_time must not count as set")
	}

	// A null payload with a set_time is a deliberately null value.
	v.SetTime = &epoch
	if !v.Set() {
		t.Fatal("null payload with set_time must count as set")
	}
}

func TestPulseTime(t *testing.T) {
	epoch := time.Now().Unix()
	v := &Value{NodeName: "tick", NodeType: NodeTypeTickRecurring, NodeValue: float64(1234), SetTime: &epoch}
	pulse, ok := v.PulseTime()
	if !ok || pulse != 1234 {
		t.Fatalf("expected pulse 1234, got %d ok=%v", pulse, ok)
	}

	v.SetTime = nil
	if _, ok := v.PulseTime(); ok {
		t.Fatal("unset schedule node must not report a pulse")
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []ComputationState{StateSuccess, StateFailed, StateAbandoned, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ComputationState{StateNotSet, StateComputing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStaleAgainst(t *testing.T) {
	epoch := time.Now().Unix()
	values := []*Value{
		{NodeName: "a", ExRevision: 5, SetTime: &epoch},
		{NodeName: "b", ExRevision: 2, SetTime: &epoch},
	}
	comp := &Computation{
		NodeName:     "out",
		State:        StateSuccess,
		ComputedWith: map[string]int64{"a": 5, "b": 2},
	}
	if comp.StaleAgainst(values) {
		t.Fatal("computation at current revisions must not be stale")
	}

	values[0].ExRevision = 6
	if !comp.StaleAgainst(values) {
		t.Fatal("an upstream past the computed_with revision must make the computation stale")
	}
}

func TestLatestComputationFor(t *testing.T) {
	base := time.Now()
	ex := &Execution{
		Computations: []*Computation{
			{NodeName: "out", State: StateFailed, InsertedAt: base},
			{NodeName: "out", State: StateNotSet, InsertedAt: base.Add(time.Second)},
			{NodeName: "other", State: StateSuccess, InsertedAt: base.Add(time.Hour)},
		},
	}
	latest := ex.LatestComputationFor("out")
	if latest == nil || latest.State != StateNotSet {
		t.Fatalf("expected the newest row for the node, got %+v", latest)
	}
	if ex.LatestComputationFor("ghost") != nil {
		t.Fatal("unknown node must have no computation")
	}
}
