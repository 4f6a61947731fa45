// Package backup implements the per-job replication pipeline: range
// planning, measurement and field filtering, chunked transfer and the
// manager that drives them.
package backup

import (
	"errors"
	"fmt"
	"time"

	"github.com/influxback/influxback/lib/config"
	"github.com/influxback/influxback/lib/types"
)

// Chunk is one half-open [Start, End) slice of the planned range.
type Chunk struct {
	Start time.Time
	End   time.Time
}

func (c Chunk) String() string {
	return fmt.Sprintf("[%s, %s)", c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339))
}

// PlanInput carries everything the planner needs to resolve [start, end)
// for one measurement.
type PlanInput struct {
	Mode         string
	StartDate    *time.Time
	EndDate      *time.Time
	BackupPeriod types.NullDuration
	ChunkDays    int
	FallbackDays int

	// LastTimestamp is the destination's newest point, FirstTimestamp the
	// source's oldest. Either may be nil.
	LastTimestamp  *time.Time
	FirstTimestamp *time.Time

	Now time.Time
}

// BuildPlan resolves the time range for the input and splits it into
// chunks of at most ChunkDays days. An empty plan means nothing to do.
func BuildPlan(in PlanInput) ([]Chunk, error) {
	start, end, err := resolveRange(in)
	if err != nil {
		return nil, err
	}
	if !start.Before(end) {
		return nil, nil
	}

	width := time.Duration(in.ChunkDays) * types.Day
	if width <= 0 {
		return nil, errors.New("chunk width must be positive")
	}

	// Boundaries align to the start instant, not to calendar midnights.
	var chunks []Chunk
	for cur := start; cur.Before(end); cur = cur.Add(width) {
		chunkEnd := cur.Add(width)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, Chunk{Start: cur, End: chunkEnd})
	}
	return chunks, nil
}

func resolveRange(in PlanInput) (time.Time, time.Time, error) {
	switch in.Mode {
	case config.ModeRange:
		if in.StartDate == nil {
			return time.Time{}, time.Time{}, errors.New("range mode needs a start date")
		}
		start := in.StartDate.UTC()
		switch {
		case in.EndDate != nil:
			return start, in.EndDate.UTC(), nil
		case in.BackupPeriod.Valid:
			return start, start.Add(in.BackupPeriod.Duration), nil
		default:
			return time.Time{}, time.Time{}, errors.New("range mode needs an end date or a backup period")
		}

	case config.ModeIncremental:
		end := in.Now.UTC()
		var start time.Time
		switch {
		case in.LastTimestamp != nil:
			// The destination already has this instant; resume just past it.
			start = in.LastTimestamp.UTC().Add(time.Nanosecond)
		case in.FirstTimestamp != nil:
			start = in.FirstTimestamp.UTC()
		default:
			start = end.Add(-time.Duration(in.FallbackDays) * types.Day)
		}
		if in.BackupPeriod.Valid {
			if floor := end.Add(-in.BackupPeriod.Duration); start.Before(floor) {
				start = floor
			}
		}
		return start, end, nil

	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown mode %q", in.Mode)
	}
}
