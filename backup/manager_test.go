package backup

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/influxback/influxback/lib/config"
)

func newTestManager(t testing.TB, src, dst *testEndpoint, yamlDoc string) (*Manager, *logtest.Hook) {
	t.Helper()

	srcClient := src.client(t)
	dstClient := dst.client(t)

	job, err := config.Parse([]byte(fmt.Sprintf(yamlDoc, srcClient.Addr(), dstClient.Addr())))
	require.NoError(t, err)

	logger, hook := logtest.NewNullLogger()
	m := New(job, srcClient, dstClient, logger)
	m.Now = func() time.Time { return ts("2024-01-01T00:15:00Z") }
	return m, hook
}

func TestManagerExpandsDatabases(t *testing.T) {
	t.Parallel()

	src := &testEndpoint{t: t, queries: map[string]string{
		"SHOW DATABASES": `{"results":[{"series":[{"name":"databases","columns":["name"],
			"values":[["telegraf"],["ops"],["_internal"]]}]}]}`,
	}}
	dst := &testEndpoint{t: t}

	m, _ := newTestManager(t, src, dst, `
source:
  url: %s
  prefix: bk_
destination:
  url: %s
options: {}
`)

	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Databases)

	assert.Contains(t, dst.seen, `CREATE DATABASE "bk_telegraf"`)
	assert.Contains(t, dst.seen, `CREATE DATABASE "bk_ops"`)
	for _, q := range dst.seen {
		assert.NotContains(t, q, "_internal")
	}
}

const freshIncrementalConfig = `
source:
  url: %s
  group_by: ""
  databases:
    - name: db
destination:
  url: %s
options:
  chunk_days: 1
  retries: 0
  retry_delay: 0
`

func TestManagerFreshIncremental(t *testing.T) {
	t.Parallel()

	src := &testEndpoint{t: t, queries: map[string]string{
		"SHOW MEASUREMENTS": `{"results":[{"series":[{"name":"measurements","columns":["name"],
			"values":[["m"]]}]}]}`,
		`SHOW FIELD KEYS FROM "m"`: `{"results":[{"series":[{"name":"m",
			"columns":["fieldKey","fieldType"],"values":[["v","float"]]}]}]}`,
		`SELECT * FROM "m" ORDER BY time ASC LIMIT 1`: `{"results":[{"series":[{"name":"m",
			"columns":["time","v"],"values":[["2024-01-01T00:00:00Z",1.0]]}]}]}`,
		`SELECT "v" FROM "m"`: `{"results":[{"series":[{"name":"m",
			"columns":["time","v"],
			"values":[["2024-01-01T00:00:00Z",1.0],["2024-01-01T00:05:00Z",2.0],["2024-01-01T00:10:00Z",3.0]]}]}]}`,
	}}
	dst := &testEndpoint{t: t}

	m, _ := newTestManager(t, src, dst, freshIncrementalConfig)

	summary, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, summary.Partial())
	assert.Equal(t, 1, summary.Measurements)
	assert.Equal(t, 3, summary.PointsRead)
	assert.Equal(t, 3, summary.PointsWritten)

	require.Len(t, dst.writes, 1)
	lines := strings.Split(strings.TrimSpace(dst.writes[0]), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, fmt.Sprintf("m v=1 %d", ts("2024-01-01T00:00:00Z").UnixNano()), lines[0])
	assert.Equal(t, fmt.Sprintf("m v=3 %d", ts("2024-01-01T00:10:00Z").UnixNano()), lines[2])
}

func TestManagerIncrementalResume(t *testing.T) {
	t.Parallel()

	src := &testEndpoint{t: t, queries: map[string]string{
		"SHOW MEASUREMENTS": `{"results":[{"series":[{"name":"measurements","columns":["name"],
			"values":[["m"]]}]}]}`,
		`SHOW FIELD KEYS FROM "m"`: `{"results":[{"series":[{"name":"m",
			"columns":["fieldKey","fieldType"],"values":[["v","float"]]}]}]}`,
		`SELECT "v" FROM "m"`: `{"results":[{"series":[{"name":"m",
			"columns":["time","v"],
			"values":[["2024-01-01T00:10:00Z",3.0]]}]}]}`,
	}}
	dst := &testEndpoint{t: t, queries: map[string]string{
		`SELECT * FROM "m" ORDER BY time DESC LIMIT 1`: `{"results":[{"series":[{"name":"m",
			"columns":["time","v"],"values":[["2024-01-01T00:05:00Z",2.0]]}]}]}`,
	}}

	m, _ := newTestManager(t, src, dst, freshIncrementalConfig)

	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PointsWritten)

	// Resumption must be strictly after the destination's newest point.
	var dataQuery string
	for _, q := range src.seen {
		if strings.HasPrefix(q, `SELECT "v"`) {
			dataQuery = q
		}
	}
	require.NotEmpty(t, dataQuery)
	assert.Contains(t, dataQuery, "time >= '2024-01-01T00:05:00.000000001Z'")
	assert.Contains(t, dataQuery, "time < '2024-01-01T00:15:00Z'")
}

func TestManagerObsoleteMeasurementSkipped(t *testing.T) {
	t.Parallel()

	src := &testEndpoint{t: t, queries: map[string]string{
		"SHOW MEASUREMENTS": `{"results":[{"series":[{"name":"measurements","columns":["name"],
			"values":[["m"]]}]}]}`,
		`SHOW FIELD KEYS FROM "m"`: `{"results":[{"series":[{"name":"m",
			"columns":["fieldKey","fieldType"],"values":[["v","float"]]}]}]}`,
	}}
	dst := &testEndpoint{t: t, queries: map[string]string{
		// The destination saw this field last in 2023, way past the
		// 30-day dormancy threshold.
		`SELECT last("v") FROM "m"`: `{"results":[{"series":[{"name":"m",
			"columns":["time","last"],"values":[["2023-01-01T00:00:00Z",2.0]]}]}]}`,
	}}

	m, _ := newTestManager(t, src, dst, freshIncrementalConfig)

	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Partial())
	assert.Zero(t, summary.PointsWritten)

	for _, q := range src.seen {
		assert.False(t, strings.HasPrefix(q, `SELECT "v"`), "obsolete measurement was still queried: %s", q)
	}
}

func TestManagerRangeModeIgnoresObsolescence(t *testing.T) {
	t.Parallel()

	src := &testEndpoint{t: t, queries: map[string]string{
		"SHOW MEASUREMENTS": `{"results":[{"series":[{"name":"measurements","columns":["name"],
			"values":[["m"]]}]}]}`,
		`SHOW FIELD KEYS FROM "m"`: `{"results":[{"series":[{"name":"m",
			"columns":["fieldKey","fieldType"],"values":[["v","float"]]}]}]}`,
		`SELECT "v" FROM "m"`: `{"results":[{"series":[{"name":"m",
			"columns":["time","v"],"values":[["2024-01-01T00:00:00Z",1.0]]}]}]}`,
	}}
	dst := &testEndpoint{t: t}

	m, _ := newTestManager(t, src, dst, `
source:
  url: %s
  group_by: ""
  databases:
    - name: db
destination:
  url: %s
options:
  mode: range
  start_date: 2024-01-01T00:00:00Z
  end_date: 2024-01-02T00:00:00Z
  chunk_days: 1
  retries: 0
  retry_delay: 0
`)

	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PointsWritten)

	// Range mode never consults the dormancy state.
	for _, q := range dst.seen {
		assert.False(t, strings.HasPrefix(q, "SELECT last("), "unexpected obsolescence query: %s", q)
	}
}

func TestManagerPartialFailure(t *testing.T) {
	t.Parallel()

	src := &testEndpoint{t: t, queries: map[string]string{
		"SHOW MEASUREMENTS": `{"results":[{"series":[{"name":"measurements","columns":["name"],
			"values":[["bad"],["good"]]}]}]}`,
		"SHOW FIELD KEYS FROM ": `{"results":[{"series":[{"name":"m",
			"columns":["fieldKey","fieldType"],"values":[["v","float"]]}]}]}`,
		`SELECT "v" FROM "bad"`: `{"results":[{"series":[{"name":"bad",
			"columns":["time","v"],"values":[["2024-01-01T00:00:00Z",1.0]]}]}]}`,
		`SELECT "v" FROM "good"`: `{"results":[{}]}`,
	}}
	// Every write attempt fails, so "bad" exhausts its retries while
	// "good" (no data, no write) still succeeds.
	dst := &testEndpoint{t: t, writeFailures: 1 << 30}

	m, _ := newTestManager(t, src, dst, freshIncrementalConfig)

	summary, err := m.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.Partial())
	assert.Equal(t, 2, summary.Measurements)
	assert.Equal(t, 1, summary.FailedMeasurements)
	require.Contains(t, summary.Errors, "db/bad")
	assert.Equal(t, 1, dst.writeAttempts) // retries: 0 means a single attempt
}
