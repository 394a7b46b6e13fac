package vrmode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrmoded/internal/component"
)

func record(scope int) TransitionRecord {
	return TransitionRecord{Enabled: true, Scope: component.ScopeID(scope)}
}

func scopesOf(recs []TransitionRecord) []component.ScopeID {
	out := make([]component.ScopeID, len(recs))
	for i, r := range recs {
		out[i] = r.Scope
	}
	return out
}

func TestTransitionLogEvictsOldest(t *testing.T) {
	l := NewTransitionLog(3)
	for i := 1; i <= 5; i++ {
		l.Append(record(i))
	}

	require.Equal(t, 3, l.Len())
	assert.Equal(t, []component.ScopeID{3, 4, 5}, scopesOf(l.Dump()))
}

func TestTransitionLogPartial(t *testing.T) {
	l := NewTransitionLog(4)
	assert.Empty(t, l.Dump())

	l.Append(record(1))
	l.Append(record(2))
	assert.Equal(t, []component.ScopeID{1, 2}, scopesOf(l.Dump()))
	assert.Equal(t, 4, l.Cap())
}

func TestTransitionLogManyWraps(t *testing.T) {
	const capacity = 7
	l := NewTransitionLog(capacity)
	for i := 0; i < 100; i++ {
		l.Append(record(i))
	}

	want := make([]component.ScopeID, 0, capacity)
	for i := 100 - capacity; i < 100; i++ {
		want = append(want, component.ScopeID(i))
	}
	assert.Equal(t, want, scopesOf(l.Dump()))
}

func TestTransitionLogAssignsIDs(t *testing.T) {
	l := NewTransitionLog(0)
	assert.Equal(t, DefaultLogCapacity, l.Cap())

	stored := l.Append(record(1))
	l.Append(TransitionRecord{ID: "fixed"})

	recs := l.Dump()
	assert.NotEmpty(t, recs[0].ID)
	assert.Equal(t, stored.ID, recs[0].ID)
	assert.Equal(t, "fixed", recs[1].ID)
}

func TestTransitionLogDumpIsCopy(t *testing.T) {
	l := NewTransitionLog(2)
	l.Append(record(1))

	recs := l.Dump()
	recs[0].Scope = 99
	assert.Equal(t, component.ScopeID(1), l.Dump()[0].Scope)
}
