package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/influxback/influxback/influx"
)

// Transfer copies the data of one (measurement, chunk) pair at a time from
// the source to the destination endpoint.
type Transfer struct {
	Source *influx.Client
	Dest   *influx.Client

	GroupBy    string
	BatchSize  int
	Retries    int
	RetryDelay time.Duration

	Logger logrus.FieldLogger

	// Sleep is swappable so retry tests don't have to wait.
	Sleep func(time.Duration)
}

// ChunkStats counts what one CopyChunk call did.
type ChunkStats struct {
	Read    int
	Written int
	Skipped int
}

// CopyChunk reads the chunk from the source, rewrites it and stores it in
// the destination database. The write of a failed batch is retried up to
// Retries times on transient errors; exhausting them fails the chunk.
func (t *Transfer) CopyChunk(
	ctx context.Context,
	srcDB, destDB, measurement string,
	fields []influx.Field,
	chunk Chunk,
) (ChunkStats, error) {
	var stats ChunkStats
	if len(fields) == 0 {
		return stats, nil
	}

	logger := t.Logger.WithFields(logrus.Fields{
		"measurement": measurement,
		"chunk":       chunk.String(),
	})

	merged := newRowSet(measurement)
	for _, q := range t.buildQueries(measurement, fields, chunk) {
		series, err := t.Source.QueryChunk(ctx, srcDB, q)
		if err != nil {
			return stats, fmt.Errorf("chunk %s query failed: %w", chunk, err)
		}
		for _, s := range series {
			merged.addSeries(s, fields)
		}
	}

	points := merged.points()
	stats.Read = len(points)
	stats.Skipped = merged.skipped
	if merged.skipped > 0 {
		logger.Warnf("skipped %d non-finite cells", merged.skipped)
	}
	if merged.invalid > 0 {
		logger.Warnf("dropped %d malformed rows", merged.invalid)
	}
	if len(points) == 0 {
		return stats, nil
	}

	batchSize := t.BatchSize
	if batchSize <= 0 {
		batchSize = 5000
	}
	for start := 0; start < len(points); start += batchSize {
		end := start + batchSize
		if end > len(points) {
			end = len(points)
		}
		if err := t.writeWithRetry(ctx, destDB, points[start:end]); err != nil {
			return stats, err
		}
		stats.Written += end - start
	}

	return stats, nil
}

func (t *Transfer) writeWithRetry(ctx context.Context, destDB string, batch []influx.Point) error {
	sleep := t.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	attempts := t.Retries + 1
	var err error
	var made int
	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt
		err = t.Dest.WriteBatch(ctx, destDB, batch)
		if err == nil {
			return nil
		}
		if !influx.IsTransient(err) || attempt == attempts {
			break
		}
		t.Logger.WithError(err).Warnf("write attempt %d/%d failed, retrying in %s",
			attempt, attempts, t.RetryDelay)
		sleep(t.RetryDelay)
	}
	return fmt.Errorf("write failed after %d attempts: %w", made, err)
}

// buildQueries returns the read statements for the chunk: with aggregation
// one per field kind class (mean for numeric, last for the rest), without
// it a single raw query. Selectors are aliased back to the plain field
// names so the server has no reason to invent prefixed columns.
func (t *Transfer) buildQueries(measurement string, fields []influx.Field, chunk Chunk) []string {
	var numeric, other []influx.Field
	for _, f := range fields {
		if f.Kind == influx.KindNumeric {
			numeric = append(numeric, f)
		} else {
			other = append(other, f)
		}
	}

	cond := fmt.Sprintf("time >= '%s' AND time < '%s'",
		chunk.Start.UTC().Format(time.RFC3339Nano), chunk.End.UTC().Format(time.RFC3339Nano))

	if t.GroupBy == "" {
		sel := make([]string, 0, len(fields))
		for _, f := range fields {
			sel = append(sel, fmt.Sprintf("%q", f.Name))
		}
		return []string{fmt.Sprintf("SELECT %s FROM %q WHERE %s GROUP BY *",
			strings.Join(sel, ", "), measurement, cond)}
	}

	var queries []string
	if len(numeric) > 0 {
		queries = append(queries, t.aggQuery("mean", numeric, measurement, cond))
	}
	if len(other) > 0 {
		queries = append(queries, t.aggQuery("last", other, measurement, cond))
	}
	return queries
}

func (t *Transfer) aggQuery(fn string, fields []influx.Field, measurement, cond string) string {
	sel := make([]string, 0, len(fields))
	for _, f := range fields {
		sel = append(sel, fmt.Sprintf("%s(%q) AS %q", fn, f.Name, f.Name))
	}
	return fmt.Sprintf("SELECT %s FROM %q WHERE %s GROUP BY time(%s), * fill(none)",
		strings.Join(sel, ", "), measurement, cond, t.GroupBy)
}

// rowSet merges the sub-query results row-wise on (timestamp, tagset).
type rowSet struct {
	measurement string
	rows        map[string]*influx.Point
	order       []string
	skipped     int
	invalid     int
}

func newRowSet(measurement string) *rowSet {
	return &rowSet{measurement: measurement, rows: map[string]*influx.Point{}}
}

func (rs *rowSet) addSeries(s influx.Series, fields []influx.Field) {
	kinds := make(map[string]string, len(fields))
	for _, f := range fields {
		kinds[f.Name] = f.Kind
	}

	for _, values := range s.Values {
		if len(values) == 0 || len(values) > len(s.Columns) {
			rs.invalid++
			continue
		}
		ts, ok := values[0].(string)
		if !ok {
			rs.invalid++
			continue
		}
		when, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			rs.invalid++
			continue
		}

		key := rowKey(ts, s.Tags)
		point, ok := rs.rows[key]
		if !ok {
			point = &influx.Point{
				Measurement: rs.measurement,
				Tags:        s.Tags,
				Fields:      map[string]interface{}{},
				Time:        when.UTC(),
			}
			rs.rows[key] = point
			rs.order = append(rs.order, key)
		}

		for i, col := range s.Columns[1:] {
			name := normalizeColumn(col)
			kind, known := kinds[name]
			if !known {
				continue
			}
			raw := values[i+1]
			if raw == nil {
				continue
			}
			val, ok := convertValue(raw, kind)
			if !ok {
				rs.skipped++
				continue
			}
			point.Fields[name] = val
		}
	}
}

// points returns the merged rows in ascending time order, dropping rows
// whose fields all fell away.
func (rs *rowSet) points() []influx.Point {
	points := make([]influx.Point, 0, len(rs.order))
	for _, key := range rs.order {
		p := rs.rows[key]
		if len(p.Fields) == 0 {
			continue
		}
		points = append(points, *p)
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Time.Before(points[j].Time)
	})
	return points
}

func rowKey(ts string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ts)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// normalizeColumn strips the aggregation prefixes some server versions
// prepend despite the aliases.
func normalizeColumn(col string) string {
	for _, prefix := range []string{"mean_", "last_"} {
		if strings.HasPrefix(col, prefix) {
			return strings.TrimPrefix(col, prefix)
		}
	}
	return col
}

// convertValue coerces one response cell to its declared kind. Numeric
// cells that do not resolve to a finite float are rejected.
func convertValue(raw interface{}, kind string) (interface{}, bool) {
	switch kind {
	case influx.KindNumeric:
		var f float64
		switch v := raw.(type) {
		case json.Number:
			parsed, err := v.Float64()
			if err != nil {
				return nil, false
			}
			f = parsed
		case float64:
			f = v
		default:
			return nil, false
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true

	case influx.KindBoolean:
		v, ok := raw.(bool)
		return v, ok

	default:
		v, ok := raw.(string)
		return v, ok
	}
}
