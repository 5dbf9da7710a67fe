package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisengine/trellis/domain/execution"
)

func setValue(name string, v any, rev int64) *execution.Value {
	epoch := time.Now().Unix()
	return &execution.Value{
		NodeName:   name,
		NodeType:   execution.NodeTypeInput,
		NodeValue:  execution.NormalizeValue(v),
		SetTime:    &epoch,
		ExRevision: rev,
	}
}

func unsetValue(name string) *execution.Value {
	return &execution.Value{NodeName: name, NodeType: execution.NodeTypeInput}
}

func TestEvaluateGateEmptyIsReady(t *testing.T) {
	r, err := EvaluateGate(Deps(), nil)
	require.NoError(t, err)
	assert.True(t, r.Ready, "a step with no upstreams is ready at start")
}

func TestEvaluateGateProvided(t *testing.T) {
	values := []*execution.Value{setValue("a", 1, 2), unsetValue("b")}

	r, err := EvaluateGate(Deps("a"), values)
	require.NoError(t, err)
	assert.True(t, r.Ready)
	assert.Equal(t, []string{"provided?(a)"}, r.ConditionsMet)

	r, err = EvaluateGate(Deps("a", "b"), values)
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Equal(t, []string{"provided?(b)"}, r.ConditionsNotMet)
}

func TestEvaluateGateNullPayloadCountsAsSet(t *testing.T) {
	epoch := time.Now().Unix()
	values := []*execution.Value{{
		NodeName: "a",
		NodeType: execution.NodeTypeInput,
		SetTime:  &epoch,
	}}
	r, err := EvaluateGate(Deps("a"), values)
	require.NoError(t, err)
	assert.True(t, r.Ready)
}

func TestEvaluateGateScheduleProvidedRequiresDuePulse(t *testing.T) {
	due := setValue("tick", time.Now().Add(-time.Minute).Unix(), 3)
	due.NodeType = execution.NodeTypeTickRecurring
	future := setValue("tick", time.Now().Add(time.Hour).Unix(), 3)
	future.NodeType = execution.NodeTypeTickRecurring

	r, err := EvaluateGate(Deps("tick"), []*execution.Value{due})
	require.NoError(t, err)
	assert.True(t, r.Ready)

	r, err = EvaluateGate(Deps("tick"), []*execution.Value{future})
	require.NoError(t, err)
	assert.False(t, r.Ready, "an undue pulse does not count as provided")
}

func TestEvaluateGateBooleanPredicates(t *testing.T) {
	values := []*execution.Value{setValue("flag", true, 2)}

	r, err := EvaluateGate(On("flag", IsTrue()), values)
	require.NoError(t, err)
	assert.True(t, r.Ready)

	r, err = EvaluateGate(On("flag", IsFalse()), values)
	require.NoError(t, err)
	assert.False(t, r.Ready)
}

func TestEvaluateGateCustomPredicate(t *testing.T) {
	over40 := PredicateFunc("over_40?", func(v *execution.Value) bool {
		n, ok := v.NodeValue.(float64)
		return v.Set() && ok && n > 40
	})

	r, err := EvaluateGate(On("sum", over40), []*execution.Value{setValue("sum", 14, 4)})
	require.NoError(t, err)
	assert.False(t, r.Ready)
	assert.Equal(t, []string{"over_40?(sum)"}, r.ConditionsNotMet)

	r, err = EvaluateGate(On("sum", over40), []*execution.Value{setValue("sum", 49, 6)})
	require.NoError(t, err)
	assert.True(t, r.Ready)
}

func TestEvaluateGateComposite(t *testing.T) {
	values := []*execution.Value{
		setValue("a", 1, 2),
		unsetValue("b"),
		setValue("c", true, 3),
	}

	gate := AnyOf(
		AllOf(On("a", Provided()), On("b", Provided())),
		On("c", IsTrue()),
	)
	r, err := EvaluateGate(gate, values)
	require.NoError(t, err)
	assert.True(t, r.Ready)
	// No short-circuit: the diagnostics still record the failed branch.
	assert.Contains(t, r.ConditionsNotMet, "provided?(b)")

	r, err = EvaluateGate(NotOf(On("b", Provided())), values)
	require.NoError(t, err)
	assert.True(t, r.Ready)
}

func TestEvaluateGateMissingNodeIsError(t *testing.T) {
	_, err := EvaluateGate(Deps("ghost"), []*execution.Value{setValue("a", 1, 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ghost"`)
}
