// Package config loads and validates the per-job YAML configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/influxback/influxback/lib/types"
)

// Defaults for the optional keys, applied by the accessor methods so an
// unset field and an explicitly configured one stay distinguishable.
const (
	DefaultGroupBy       = "5m"
	DefaultChunkDays     = 7
	DefaultTimeoutClient = 20 * time.Second
	DefaultRetries       = 3
	DefaultRetryDelay    = 5 * time.Second
	DefaultFallbackDays  = 30
	DefaultObsoleteDays  = 30
	DefaultBatchSize     = 5000
	DefaultLogLevel      = "INFO"
)

// TemplateSuffix marks config files the orchestrator must skip.
const TemplateSuffix = ".template.yaml"

// Modes a job can run in.
const (
	ModeRange       = "range"
	ModeIncremental = "incremental"
)

// Endpoint is one InfluxDB HTTP endpoint with its credentials.
type Endpoint struct {
	URL       string         `yaml:"url"`
	User      string         `yaml:"user"`
	Password  string         `yaml:"password"`
	VerifySSL types.NullBool `yaml:"verify_ssl"`
}

// DatabaseMapping pairs a source database with its destination name.
type DatabaseMapping struct {
	Name        string `yaml:"name"`
	Destination string `yaml:"destination"`
	Prefix      string `yaml:"prefix"`
	Suffix      string `yaml:"suffix"`
}

// DestName resolves the destination database name for the mapping.
func (m DatabaseMapping) DestName() string {
	if m.Destination != "" {
		return m.Destination
	}
	return m.Prefix + m.Name + m.Suffix
}

// SourceConfig is the `source` section. Prefix and Suffix apply to the
// destination names of databases discovered at runtime, when the explicit
// mapping list is empty.
type SourceConfig struct {
	Endpoint  `yaml:",inline"`
	Databases []DatabaseMapping `yaml:"databases"`
	GroupBy   types.NullString  `yaml:"group_by"`
	Prefix    string            `yaml:"prefix"`
	Suffix    string            `yaml:"suffix"`
}

// FieldsConfig is a field filter block, either the global one or a
// per-measurement override.
type FieldsConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	Types   []string `yaml:"types"`
}

// SpecificConfig holds the per-measurement overrides.
type SpecificConfig struct {
	Fields *FieldsConfig `yaml:"fields"`
}

// MeasurementsConfig is the `measurements` section.
type MeasurementsConfig struct {
	Include  []string                  `yaml:"include"`
	Exclude  []string                  `yaml:"exclude"`
	Fields   FieldsConfig              `yaml:"fields"`
	Specific map[string]SpecificConfig `yaml:"specific"`
}

// IncrementalOptions is the `options.incremental` block.
type IncrementalOptions struct {
	FallbackDays types.NullInt    `yaml:"fallback_days"`
	Schedule     types.NullString `yaml:"schedule"`
}

// Options is the `options` section.
type Options struct {
	Mode             types.NullString   `yaml:"mode"`
	StartDate        types.NullString   `yaml:"start_date"`
	EndDate          types.NullString   `yaml:"end_date"`
	BackupPeriod     types.NullDuration `yaml:"backup_period"`
	ChunkDays        types.NullInt      `yaml:"chunk_days"`
	DaysOfPagination types.NullInt      `yaml:"days_of_pagination"`
	TimeoutClient    types.NullInt      `yaml:"timeout_client"`
	Retries          types.NullInt      `yaml:"retries"`
	RetryDelay       types.NullInt      `yaml:"retry_delay"`
	BatchSize        types.NullInt      `yaml:"batch_size"`
	ObsoleteDays     types.NullInt      `yaml:"obsolete_days"`
	Incremental      IncrementalOptions `yaml:"incremental"`
	LogFile          types.NullString   `yaml:"log_file"`
	LogLevel         types.NullString   `yaml:"log_level"`
}

// Job is one loaded and validated job configuration. Immutable after Load.
type Job struct {
	Source       SourceConfig       `yaml:"source"`
	Destination  Endpoint           `yaml:"destination"`
	Measurements MeasurementsConfig `yaml:"measurements"`
	Options      Options            `yaml:"options"`

	raw map[string]interface{}
}

// IsTemplate reports whether the file name marks a template config.
func IsTemplate(name string) bool {
	return strings.HasSuffix(name, TemplateSuffix)
}

// Load reads, parses and validates the job config at path.
func Load(fs afero.Fs, path string) (*Job, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("could not read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates one YAML job document.
func Parse(data []byte) (*Job, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	for _, section := range []string{"source", "destination", "options"} {
		if _, ok := raw[section]; !ok {
			return nil, fmt.Errorf("missing required config section %q", section)
		}
	}

	job := &Job{raw: raw}
	if err := yaml.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	if err := job.validate(); err != nil {
		return nil, err
	}
	return job, nil
}

func (j *Job) validate() error {
	if j.Source.URL == "" {
		return fmt.Errorf("source.url is required")
	}
	if j.Destination.URL == "" {
		return fmt.Errorf("destination.url is required")
	}
	for _, m := range j.Source.Databases {
		if m.Name == "" {
			return fmt.Errorf("source.databases entries need a name")
		}
	}

	switch j.Mode() {
	case ModeIncremental:
	case ModeRange:
		if !j.Options.StartDate.Valid {
			return fmt.Errorf("options.start_date is required in range mode")
		}
		if !j.Options.EndDate.Valid && !j.Options.BackupPeriod.Valid {
			return fmt.Errorf("range mode needs options.end_date or options.backup_period")
		}
	default:
		return fmt.Errorf("options.mode must be %q or %q, not %q", ModeRange, ModeIncremental, j.Mode())
	}

	for _, d := range []struct {
		key string
		val types.NullString
	}{{"options.start_date", j.Options.StartDate}, {"options.end_date", j.Options.EndDate}} {
		if d.val.Valid {
			if _, err := time.Parse(time.RFC3339, d.val.String.String); err != nil {
				return fmt.Errorf("%s is not a RFC 3339 timestamp: %w", d.key, err)
			}
		}
	}

	if j.ChunkDays() < 1 {
		return fmt.Errorf("options.chunk_days must be >= 1")
	}
	if j.Retries() < 0 {
		return fmt.Errorf("options.retries must be >= 0")
	}
	if gb := j.GroupBy(); gb == "" {
		// Without aggregation a raw query can return arbitrarily many rows,
		// so pagination has to stay at one day per chunk.
		if j.ChunkDays() > 1 {
			return fmt.Errorf("source.group_by is disabled, options.chunk_days must be 1")
		}
	} else if !types.ValidGroupBy(gb) {
		return fmt.Errorf("source.group_by %q is not a valid InfluxQL duration", gb)
	}

	for _, fc := range j.fieldConfigs() {
		for _, kind := range fc.Types {
			switch kind {
			case "numeric", "string", "boolean":
			default:
				return fmt.Errorf("unknown field type %q, want numeric, string or boolean", kind)
			}
		}
	}

	if lvl := j.LogLevel(); lvl != "" {
		switch lvl {
		case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
		default:
			return fmt.Errorf("options.log_level %q is not a known level", lvl)
		}
	}

	return nil
}

func (j *Job) fieldConfigs() []*FieldsConfig {
	fcs := []*FieldsConfig{&j.Measurements.Fields}
	for _, sc := range j.Measurements.Specific {
		if sc.Fields != nil {
			fcs = append(fcs, sc.Fields)
		}
	}
	return fcs
}

// Mode returns the configured transfer mode.
func (j *Job) Mode() string {
	if j.Options.Mode.Valid {
		return j.Options.Mode.String.String
	}
	return ModeIncremental
}

// GroupBy returns the aggregation window, "" when aggregation is disabled.
func (j *Job) GroupBy() string {
	if j.Source.GroupBy.Valid {
		return j.Source.GroupBy.String.String
	}
	return DefaultGroupBy
}

// ChunkDays returns the pagination width in days. `days_of_pagination` is
// the historical spelling of `chunk_days`.
func (j *Job) ChunkDays() int {
	if j.Options.ChunkDays.Valid {
		return int(j.Options.ChunkDays.Int64)
	}
	if j.Options.DaysOfPagination.Valid {
		return int(j.Options.DaysOfPagination.Int64)
	}
	return DefaultChunkDays
}

// Timeout returns the per-call HTTP deadline.
func (j *Job) Timeout() time.Duration {
	if j.Options.TimeoutClient.Valid {
		return time.Duration(j.Options.TimeoutClient.Int64) * time.Second
	}
	return DefaultTimeoutClient
}

// Retries returns how many times a failed chunk write is retried.
func (j *Job) Retries() int {
	if j.Options.Retries.Valid {
		return int(j.Options.Retries.Int64)
	}
	return DefaultRetries
}

// RetryDelay returns the fixed backoff between retries.
func (j *Job) RetryDelay() time.Duration {
	if j.Options.RetryDelay.Valid {
		return time.Duration(j.Options.RetryDelay.Int64) * time.Second
	}
	return DefaultRetryDelay
}

// BatchSize returns the maximum number of points per write request.
func (j *Job) BatchSize() int {
	if j.Options.BatchSize.Valid {
		return int(j.Options.BatchSize.Int64)
	}
	return DefaultBatchSize
}

// FallbackDays returns how far back a fresh incremental run reaches when
// neither destination nor source provide a starting point.
func (j *Job) FallbackDays() int {
	if j.Options.Incremental.FallbackDays.Valid {
		return int(j.Options.Incremental.FallbackDays.Int64)
	}
	return DefaultFallbackDays
}

// ObsoleteDays returns the dormancy threshold for pruning fields.
func (j *Job) ObsoleteDays() int {
	if j.Options.ObsoleteDays.Valid {
		return int(j.Options.ObsoleteDays.Int64)
	}
	return DefaultObsoleteDays
}

// LogLevel returns the configured log level name.
func (j *Job) LogLevel() string {
	if j.Options.LogLevel.Valid {
		return j.Options.LogLevel.String.String
	}
	return DefaultLogLevel
}

// StartDate returns the parsed options.start_date, nil when unset.
func (j *Job) StartDate() *time.Time {
	return j.parsedDate(j.Options.StartDate)
}

// EndDate returns the parsed options.end_date, nil when unset.
func (j *Job) EndDate() *time.Time {
	return j.parsedDate(j.Options.EndDate)
}

func (j *Job) parsedDate(v types.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	// Validity was checked at load time.
	t, _ := time.Parse(time.RFC3339, v.String.String)
	t = t.UTC()
	return &t
}

// Lookup walks the raw document along a dotted path like
// "options.incremental.fallback_days". The second return value reports
// whether the key was present.
func (j *Job) Lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(j.raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
