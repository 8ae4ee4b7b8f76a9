package replay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripple-sim/ripple/internal/sim/engine"
	"github.com/ripple-sim/ripple/internal/sim/scenario"
	"github.com/ripple-sim/ripple/internal/store"
)

func pipelineScenario(sourceValue int) *scenario.Scenario {
	return &scenario.Scenario{
		SchemaVersion: 1,
		Name:          "pipeline",
		Nodes: []scenario.NodeConfig{
			{
				NodeID: "s1", Kind: scenario.KindSource,
				Source:  &scenario.SourceConfig{Interval: 1, ValueMin: 1, ValueMax: sourceValue},
				Outputs: []scenario.Edge{{To: "q1"}},
			},
			{
				NodeID: "q1", Kind: scenario.KindQueue,
				Queue:   &scenario.QueueConfig{Capacity: 10, Method: scenario.AggregateSum, Window: 2},
				Outputs: []scenario.Edge{{To: "k1"}},
			},
			{NodeID: "k1", Kind: scenario.KindSink, Sink: &scenario.SinkConfig{}},
		},
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "recordings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// record drives a scripted session: three ticks, a manual injection, three
// more ticks, with a final snapshot.
func record(t *testing.T, st *store.Store, name string, seed int64) {
	t.Helper()
	ctx := context.Background()

	sched := engine.New(engine.WithSeed(seed))
	require.NoError(t, sched.LoadScenario(pipelineScenario(100)))

	rec, err := NewRecorder(ctx, st, name, sched, seed)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Tick(ctx))
	}
	require.NoError(t, rec.Inject(ctx, "q1", 7))
	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Tick(ctx))
	}
	require.NoError(t, rec.Finalize(ctx))
}

func TestRecordReplay_Identical(t *testing.T) {
	st := openTestStore(t)
	record(t, st, "run-1", 42)

	sched, report, err := NewReplayer(st).Replay(context.Background(), "run-1", Options{})
	require.NoError(t, err)

	assert.True(t, report.Identical(), "replay errors: %v", report.Errors)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, int64(6), sched.CurrentTime())

	// The injected token is reproduced too.
	assert.Equal(t, 6+3+1, sched.TokenIndex().Len(), "6 emissions, 3 aggregates, 1 injection")
}

func TestReplay_SubstituteModelMeasuresDivergence(t *testing.T) {
	st := openTestStore(t)
	record(t, st, "run-1", 42)

	// Same structure, different source range: values diverge.
	model := pipelineScenario(1)
	_, report, err := NewReplayer(st).Replay(context.Background(), "run-1", Options{Model: model})
	require.NoError(t, err)

	assert.False(t, report.Identical())
	assert.NotEmpty(t, report.Errors)
	require.NotEmpty(t, report.Warnings)
	assert.Contains(t, report.Warnings[0], "substituted model")
}

func TestReplay_SnapshotResume(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sched := engine.New(engine.WithSeed(9))
	require.NoError(t, sched.LoadScenario(pipelineScenario(100)))
	rec, err := NewRecorder(ctx, st, "run-1", sched, 9)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Tick(ctx))
	}
	require.NoError(t, rec.Snapshot(ctx, "midpoint"))
	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Tick(ctx))
	}
	require.NoError(t, rec.Finalize(ctx))

	replayed, report, err := NewReplayer(st).Replay(ctx, "run-1", Options{ResumeAt: 3})
	require.NoError(t, err)
	assert.True(t, report.Identical(), "replay errors: %v", report.Errors)
	assert.Equal(t, int64(6), replayed.CurrentTime())
}

func TestReplay_SnapshotResumeRejectsSubstituteModel(t *testing.T) {
	st := openTestStore(t)
	record(t, st, "run-1", 42)

	_, _, err := NewReplayer(st).Replay(context.Background(), "run-1", Options{
		ResumeAt: 3,
		Model:    pipelineScenario(1),
	})
	assert.Error(t, err)
}

func TestRecordReplay_StepAndControlMarkers(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sched := engine.New(engine.WithSeed(3))
	require.NoError(t, sched.LoadScenario(pipelineScenario(50)))
	rec, err := NewRecorder(ctx, st, "run-1", sched, 3)
	require.NoError(t, err)

	require.NoError(t, rec.Mark(ctx, ControlPlay))
	require.NoError(t, rec.Tick(ctx))
	require.NoError(t, rec.Tick(ctx))
	require.NoError(t, rec.Mark(ctx, ControlPause))
	require.NoError(t, rec.Step(ctx, 2))
	require.NoError(t, rec.Finalize(ctx))

	replayed, report, err := NewReplayer(st).Replay(ctx, "run-1", Options{})
	require.NoError(t, err)
	assert.True(t, report.Identical(), "replay errors: %v", report.Errors)
	assert.Equal(t, int64(4), replayed.CurrentTime())
}

func TestRecordReplay_ModelUpgrade(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	v1 := pipelineScenario(100)
	sched := engine.New(engine.WithSeed(8))
	require.NoError(t, sched.LoadScenario(v1))
	rec, err := NewRecorder(ctx, st, "run-1", sched, 8)
	require.NoError(t, err)

	require.NoError(t, rec.Tick(ctx))
	require.NoError(t, rec.Tick(ctx))

	v2 := pipelineScenario(100)
	v2.Nodes[0].Source.Interval = 2
	require.NoError(t, rec.UpgradeModel(ctx, v2, "halve the emission rate"))

	require.NoError(t, rec.Tick(ctx))
	require.NoError(t, rec.Tick(ctx))
	require.NoError(t, rec.Finalize(ctx))

	_, report, err := NewReplayer(st).Replay(ctx, "run-1", Options{})
	require.NoError(t, err)
	assert.True(t, report.Identical(), "replay errors: %v", report.Errors)
}

func TestReplay_UnknownRecording(t *testing.T) {
	st := openTestStore(t)
	_, _, err := NewReplayer(st).Replay(context.Background(), "ghost", Options{})
	assert.Error(t, err)
}

func TestRecorder_RequiresLoadedScenario(t *testing.T) {
	st := openTestStore(t)
	_, err := NewRecorder(context.Background(), st, "run-1", engine.New(), 0)
	assert.Error(t, err)
}
