package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/influxback/influxback/lib/config"
	"github.com/influxback/influxback/lib/types"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func tsp(s string) *time.Time {
	t := ts(s)
	return &t
}

// assertCovers checks the chunk-cover property: the chunks are contiguous,
// half-open and exactly span [start, end).
func assertCovers(t *testing.T, chunks []Chunk, start, end time.Time) {
	t.Helper()
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[0].Start.Equal(start), "plan starts at %s, want %s", chunks[0].Start, start)
	assert.True(t, chunks[len(chunks)-1].End.Equal(end), "plan ends at %s, want %s", chunks[len(chunks)-1].End, end)
	for i := 1; i < len(chunks); i++ {
		assert.True(t, chunks[i].Start.Equal(chunks[i-1].End), "gap or overlap before chunk %d", i)
	}
	for _, c := range chunks {
		assert.True(t, c.Start.Before(c.End))
	}
}

func TestBuildPlanRangeWithEndDate(t *testing.T) {
	t.Parallel()

	chunks, err := BuildPlan(PlanInput{
		Mode:      config.ModeRange,
		StartDate: tsp("2024-01-01T00:00:00Z"),
		EndDate:   tsp("2024-01-10T00:00:00Z"),
		ChunkDays: 7,
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assertCovers(t, chunks, ts("2024-01-01T00:00:00Z"), ts("2024-01-10T00:00:00Z"))
	assert.True(t, chunks[0].End.Equal(ts("2024-01-08T00:00:00Z")))
}

func TestBuildPlanRangeEndFromPeriod(t *testing.T) {
	t.Parallel()

	// One 7-day chunk with chunk_days=7...
	chunks, err := BuildPlan(PlanInput{
		Mode:         config.ModeRange,
		StartDate:    tsp("2024-01-01T00:00:00Z"),
		BackupPeriod: types.NullDurationFrom(7 * types.Day),
		ChunkDays:    7,
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assertCovers(t, chunks, ts("2024-01-01T00:00:00Z"), ts("2024-01-08T00:00:00Z"))

	// ...and seven one-day chunks with chunk_days=1.
	chunks, err = BuildPlan(PlanInput{
		Mode:         config.ModeRange,
		StartDate:    tsp("2024-01-01T00:00:00Z"),
		BackupPeriod: types.NullDurationFrom(7 * types.Day),
		ChunkDays:    1,
	})
	require.NoError(t, err)
	require.Len(t, chunks, 7)
	assertCovers(t, chunks, ts("2024-01-01T00:00:00Z"), ts("2024-01-08T00:00:00Z"))
}

func TestBuildPlanRangeNeedsBounds(t *testing.T) {
	t.Parallel()

	_, err := BuildPlan(PlanInput{
		Mode:      config.ModeRange,
		StartDate: tsp("2024-01-01T00:00:00Z"),
		ChunkDays: 7,
	})
	require.Error(t, err)

	_, err = BuildPlan(PlanInput{Mode: config.ModeRange, ChunkDays: 7})
	require.Error(t, err)
}

func TestBuildPlanIncrementalResume(t *testing.T) {
	t.Parallel()

	now := ts("2024-01-01T00:25:00Z")
	last := tsp("2024-01-01T00:05:00Z")

	chunks, err := BuildPlan(PlanInput{
		Mode:          config.ModeIncremental,
		ChunkDays:     1,
		FallbackDays:  30,
		LastTimestamp: last,
		Now:           now,
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	// Resumption is exclusive: the boundary point itself is not re-read.
	assert.True(t, chunks[0].Start.Equal(last.Add(time.Nanosecond)))
	assert.True(t, chunks[0].End.Equal(now))
}

func TestBuildPlanIncrementalFromSourceFirst(t *testing.T) {
	t.Parallel()

	now := ts("2024-01-05T00:00:00Z")
	chunks, err := BuildPlan(PlanInput{
		Mode:           config.ModeIncremental,
		ChunkDays:      1,
		FallbackDays:   30,
		FirstTimestamp: tsp("2024-01-03T12:00:00Z"),
		Now:            now,
	})
	require.NoError(t, err)
	assertCovers(t, chunks, ts("2024-01-03T12:00:00Z"), now)
	// Boundaries align to the start instant, not to midnights.
	assert.True(t, chunks[0].End.Equal(ts("2024-01-04T12:00:00Z")))
}

func TestBuildPlanIncrementalFallback(t *testing.T) {
	t.Parallel()

	now := ts("2024-02-01T00:00:00Z")
	chunks, err := BuildPlan(PlanInput{
		Mode:         config.ModeIncremental,
		ChunkDays:    7,
		FallbackDays: 30,
		Now:          now,
	})
	require.NoError(t, err)
	assertCovers(t, chunks, now.Add(-30*types.Day), now)
}

func TestBuildPlanIncrementalPeriodClamp(t *testing.T) {
	t.Parallel()

	now := ts("2024-02-01T00:00:00Z")
	chunks, err := BuildPlan(PlanInput{
		Mode:          config.ModeIncremental,
		ChunkDays:     7,
		FallbackDays:  30,
		LastTimestamp: tsp("2023-01-01T00:00:00Z"),
		BackupPeriod:  types.NullDurationFrom(2 * types.Day),
		Now:           now,
	})
	require.NoError(t, err)
	assertCovers(t, chunks, now.Add(-2*types.Day), now)
}

func TestBuildPlanEmpty(t *testing.T) {
	t.Parallel()

	// Destination already caught up.
	now := ts("2024-01-01T00:00:00Z")
	chunks, err := BuildPlan(PlanInput{
		Mode:          config.ModeIncremental,
		ChunkDays:     1,
		FallbackDays:  30,
		LastTimestamp: &now,
		Now:           now,
	})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = BuildPlan(PlanInput{
		Mode:      config.ModeRange,
		StartDate: tsp("2024-01-02T00:00:00Z"),
		EndDate:   tsp("2024-01-01T00:00:00Z"),
		ChunkDays: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestBuildPlanUnknownMode(t *testing.T) {
	t.Parallel()

	_, err := BuildPlan(PlanInput{Mode: "diff", ChunkDays: 1})
	require.Error(t, err)
}
