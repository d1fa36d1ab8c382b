package perception

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestMissionLog(t *testing.T) *MissionLog {
	t.Helper()
	ml, err := OpenMissionLog(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ml.Close() })
	return ml
}

func TestMissionLog_RecordAndRecent(t *testing.T) {
	ctx := context.Background()
	ml := openTestMissionLog(t)

	for i := 0; i < 3; i++ {
		r := sampleReport()
		r.CycleID = fmt.Sprintf("cycle-%d", i)
		r.Timestamp += int64(i)
		r.GateOpen = i != 1
		if i == 2 {
			r.SteerDeg = nil
		}
		require.NoError(t, ml.RecordCycle(ctx, r))
	}

	recent, err := ml.RecentCycles(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "cycle-2", recent[0].CycleID)
	assert.Equal(t, "cycle-1", recent[1].CycleID)
	assert.Nil(t, recent[0].SteerDeg)
	require.NotNil(t, recent[1].SteerDeg)
	assert.False(t, recent[1].GateOpen)

	want := sampleReport()
	assert.Equal(t, want.Pose, recent[1].Pose)
	assert.Equal(t, want.Added, recent[1].Added)
	assert.Equal(t, 3, recent[1].Summaries["navigable"].Count)
	require.NotNil(t, recent[1].Summaries["target"].MeanDistance)
	assert.Equal(t, 25.0, *recent[1].Summaries["target"].MeanDistance)
	assert.Nil(t, recent[1].Summaries["obstacle"].MeanBearing)
}

func TestMissionLog_DuplicateCycleRejected(t *testing.T) {
	ctx := context.Background()
	ml := openTestMissionLog(t)
	require.NoError(t, ml.RecordCycle(ctx, sampleReport()))
	assert.Error(t, ml.RecordCycle(ctx, sampleReport()))
}

func TestMissionLog_Totals(t *testing.T) {
	ctx := context.Background()
	ml := openTestMissionLog(t)

	empty, err := ml.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Cycles)
	assert.Equal(t, int64(0), empty.Added["target"])

	for i := 0; i < 4; i++ {
		r := sampleReport()
		r.CycleID = fmt.Sprintf("c%d", i)
		r.GateOpen = i%2 == 0
		require.NoError(t, ml.RecordCycle(ctx, r))
	}

	totals, err := ml.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, totals.Cycles)
	assert.Equal(t, 2, totals.GateClosed)
	assert.Equal(t, map[string]int64{"obstacle": 4, "target": 8, "navigable": 12}, totals.Added)
}
