package fsm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StartsIdle(t *testing.T) {
	cases := []struct {
		archetype Archetype
		idle      State
	}{
		{ArchetypeSource, SourceIdle},
		{ArchetypeQueue, QueueIdle},
		{ArchetypeProcess, ProcessIdle},
		{ArchetypeSink, SinkIdle},
	}
	for _, tc := range cases {
		m, err := New(tc.archetype)
		require.NoError(t, err)
		assert.Equal(t, tc.idle, m.Current)
		assert.Equal(t, tc.idle, m.Idle())
		assert.Empty(t, m.History)
	}
}

func TestNew_UnknownArchetype(t *testing.T) {
	_, err := New(Archetype("router"))
	assert.Error(t, err)
}

func TestMachine_Transition(t *testing.T) {
	m, err := New(ArchetypeSource)
	require.NoError(t, err)

	require.NoError(t, m.Transition(SourceGenerating, 3, "interval_elapsed"))
	assert.Equal(t, SourceGenerating, m.Current)
	assert.Equal(t, SourceIdle, m.Previous)
	assert.Equal(t, int64(3), m.ChangedAt)

	require.Len(t, m.History, 1)
	assert.Equal(t, Transition{
		From:      SourceIdle,
		To:        SourceGenerating,
		Timestamp: 3,
		Trigger:   "interval_elapsed",
	}, m.History[0])
}

func TestMachine_Transition_RejectsForeignState(t *testing.T) {
	m, err := New(ArchetypeSink)
	require.NoError(t, err)

	// Queue states are not in the sink state set.
	err = m.Transition(QueueProcessing, 1, "bogus")
	assert.Error(t, err)

	// Nothing was recorded.
	assert.Equal(t, SinkIdle, m.Current)
	assert.Empty(t, m.History)
}

func TestMachine_HistoryBounded(t *testing.T) {
	m, err := New(ArchetypeSink)
	require.NoError(t, err)

	states := []State{SinkProcessing, SinkIdle}
	for i := 0; i < HistoryCap*2; i++ {
		require.NoError(t, m.Transition(states[i%2], int64(i), fmt.Sprintf("t%d", i)))
	}

	assert.Len(t, m.History, HistoryCap)
	// Oldest entries are evicted; the retained window ends at the last
	// transition.
	assert.Equal(t, int64(HistoryCap*2-1), m.History[HistoryCap-1].Timestamp)
	assert.Equal(t, int64(HistoryCap), m.History[0].Timestamp)
}
