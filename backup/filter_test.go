package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/influxback/influxback/influx"
	"github.com/influxback/influxback/lib/config"
)

func TestFilterMeasurements(t *testing.T) {
	t.Parallel()

	names := []string{"cpu", "mem", "disk", "CPU"}

	t.Run("include wins", func(t *testing.T) {
		t.Parallel()
		kept := FilterMeasurements(names, config.MeasurementsConfig{
			Include: []string{"cpu", "disk"},
			Exclude: []string{"cpu"},
		})
		assert.Equal(t, []string{"cpu", "disk"}, kept)
	})

	t.Run("exclude", func(t *testing.T) {
		t.Parallel()
		kept := FilterMeasurements(names, config.MeasurementsConfig{
			Exclude: []string{"mem"},
		})
		assert.Equal(t, []string{"cpu", "disk", "CPU"}, kept)
	})

	t.Run("case sensitive", func(t *testing.T) {
		t.Parallel()
		kept := FilterMeasurements(names, config.MeasurementsConfig{
			Include: []string{"CPU"},
		})
		assert.Equal(t, []string{"CPU"}, kept)
	})

	t.Run("no filter", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, names, FilterMeasurements(names, config.MeasurementsConfig{}))
	})
}

func TestFilterFields(t *testing.T) {
	t.Parallel()

	fields := []influx.Field{
		{Name: "usage", Kind: influx.KindNumeric},
		{Name: "count", Kind: influx.KindNumeric},
		{Name: "desc", Kind: influx.KindString},
		{Name: "up", Kind: influx.KindBoolean},
	}

	t.Run("types", func(t *testing.T) {
		t.Parallel()
		kept := FilterFields(fields, config.FieldsConfig{Types: []string{"numeric"}})
		assert.Equal(t, []influx.Field{
			{Name: "usage", Kind: influx.KindNumeric},
			{Name: "count", Kind: influx.KindNumeric},
		}, kept)
	})

	t.Run("include then exclude", func(t *testing.T) {
		t.Parallel()
		kept := FilterFields(fields, config.FieldsConfig{
			Include: []string{"usage", "count", "desc"},
			Exclude: []string{"count"},
		})
		assert.Equal(t, []influx.Field{
			{Name: "usage", Kind: influx.KindNumeric},
			{Name: "desc", Kind: influx.KindString},
		}, kept)
	})

	t.Run("types before include", func(t *testing.T) {
		t.Parallel()
		kept := FilterFields(fields, config.FieldsConfig{
			Types:   []string{"string"},
			Include: []string{"usage", "desc"},
		})
		assert.Equal(t, []influx.Field{{Name: "desc", Kind: influx.KindString}}, kept)
	})

	t.Run("empty policy keeps all", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, fields, FilterFields(fields, config.FieldsConfig{}))
	})
}

func TestFieldsConfigFor(t *testing.T) {
	t.Parallel()

	job, err := config.Parse([]byte(`
source: {url: http://s}
destination: {url: http://d}
measurements:
  fields:
    include: [a, b]
  specific:
    mem:
      fields:
        exclude: [c]
options: {}
`))
	require.NoError(t, err)

	// The per-measurement block replaces the global policy entirely.
	mem := FieldsConfigFor(job, "mem")
	assert.Empty(t, mem.Include)
	assert.Equal(t, []string{"c"}, mem.Exclude)

	cpu := FieldsConfigFor(job, "cpu")
	assert.Equal(t, []string{"a", "b"}, cpu.Include)
}
