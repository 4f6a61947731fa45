package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/influxback/influxback/influx"
	"github.com/influxback/influxback/lib/config"
	"github.com/influxback/influxback/lib/types"
)

// internalDB is InfluxDB's own bookkeeping database, never replicated.
const internalDB = "_internal"

// Summary aggregates what one job run did.
type Summary struct {
	Databases          int
	Measurements       int
	FailedMeasurements int
	PointsRead         int
	PointsWritten      int
	SkippedCells       int

	// Errors is the per-measurement failure ledger, keyed db/measurement.
	Errors map[string]error
}

// Partial reports whether any measurement (or a whole database) failed.
func (s *Summary) Partial() bool {
	return s.FailedMeasurements > 0
}

func (s *Summary) fail(db, measurement string, err error) {
	s.FailedMeasurements++
	s.Errors[db+"/"+measurement] = err
}

// Manager orchestrates one job: database resolution, filtering, planning
// and the chunked transfer per measurement.
type Manager struct {
	Job    *config.Job
	Source *influx.Client
	Dest   *influx.Client
	Logger logrus.FieldLogger

	// Now is swappable for tests.
	Now func() time.Time
}

// New builds a Manager for the job.
func New(job *config.Job, source, dest *influx.Client, logger logrus.FieldLogger) *Manager {
	return &Manager{
		Job:    job,
		Source: source,
		Dest:   dest,
		Logger: logger,
		Now:    time.Now,
	}
}

// Run executes the job once. Measurement failures are collected in the
// summary; the returned error is reserved for job-level failures like an
// unreachable database catalogue or cancellation.
func (m *Manager) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{Errors: map[string]error{}}

	mappings, err := m.resolveDatabases(ctx)
	if err != nil {
		return summary, err
	}

	transfer := &Transfer{
		Source:     m.Source,
		Dest:       m.Dest,
		GroupBy:    m.Job.GroupBy(),
		BatchSize:  m.Job.BatchSize(),
		Retries:    m.Job.Retries(),
		RetryDelay: m.Job.RetryDelay(),
		Logger:     m.Logger,
	}

	for _, mapping := range mappings {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Databases++
		if err := m.runDatabase(ctx, transfer, mapping, summary); err != nil {
			return summary, err
		}
	}

	m.Logger.WithFields(logrus.Fields{
		"databases":    summary.Databases,
		"measurements": summary.Measurements,
		"failed":       summary.FailedMeasurements,
		"read":         summary.PointsRead,
		"written":      summary.PointsWritten,
	}).Info("job finished")

	return summary, nil
}

// resolveDatabases returns the configured mappings, or expands the source
// catalogue (minus _internal) when the list is empty.
func (m *Manager) resolveDatabases(ctx context.Context) ([]config.DatabaseMapping, error) {
	if len(m.Job.Source.Databases) > 0 {
		return m.Job.Source.Databases, nil
	}

	names, err := m.Source.Databases(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list source databases: %w", err)
	}

	var mappings []config.DatabaseMapping
	for _, name := range names {
		if name == internalDB {
			continue
		}
		mappings = append(mappings, config.DatabaseMapping{
			Name:   name,
			Prefix: m.Job.Source.Prefix,
			Suffix: m.Job.Source.Suffix,
		})
	}
	return mappings, nil
}

func (m *Manager) runDatabase(
	ctx context.Context,
	transfer *Transfer,
	mapping config.DatabaseMapping,
	summary *Summary,
) error {
	srcDB, destDB := mapping.Name, mapping.DestName()
	logger := m.Logger.WithFields(logrus.Fields{"db": srcDB, "dest_db": destDB})

	if err := m.Dest.EnsureDatabase(ctx, destDB); err != nil {
		logger.WithError(err).Error("could not ensure destination database")
		summary.fail(srcDB, "*", err)
		return nil
	}

	names, err := m.Source.Measurements(ctx, srcDB)
	if err != nil {
		logger.WithError(err).Error("could not list measurements")
		summary.fail(srcDB, "*", err)
		return nil
	}
	names = FilterMeasurements(names, m.Job.Measurements)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary.Measurements++
		if err := m.runMeasurement(ctx, transfer, srcDB, destDB, name, summary); err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.WithField("measurement", name).WithError(err).Error("measurement failed")
			summary.fail(srcDB, name, err)
		}
	}
	return nil
}

func (m *Manager) runMeasurement(
	ctx context.Context,
	transfer *Transfer,
	srcDB, destDB, name string,
	summary *Summary,
) error {
	logger := m.Logger.WithFields(logrus.Fields{"db": srcDB, "measurement": name})
	now := m.Now().UTC()
	incremental := m.Job.Mode() == config.ModeIncremental

	fields, err := m.Source.FieldKeys(ctx, srcDB, name)
	if err != nil {
		return fmt.Errorf("could not read field keys: %w", err)
	}
	fields = FilterFields(fields, FieldsConfigFor(m.Job, name))
	if len(fields) == 0 {
		logger.Debug("no fields left after filtering, skipping")
		return nil
	}

	if incremental {
		fields, err = m.pruneObsolete(ctx, destDB, name, fields, now)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			logger.Info("measurement is obsolete, skipping")
			return nil
		}
	}

	in := PlanInput{
		Mode:         m.Job.Mode(),
		StartDate:    m.Job.StartDate(),
		EndDate:      m.Job.EndDate(),
		BackupPeriod: m.Job.Options.BackupPeriod,
		ChunkDays:    m.Job.ChunkDays(),
		FallbackDays: m.Job.FallbackDays(),
		Now:          now,
	}
	if incremental {
		last, err := m.Dest.LastTimestamp(ctx, destDB, name)
		if err != nil {
			return fmt.Errorf("could not read destination last timestamp: %w", err)
		}
		in.LastTimestamp = last
		if last == nil {
			first, err := m.Source.FirstTimestamp(ctx, srcDB, name)
			if err != nil {
				return fmt.Errorf("could not read source first timestamp: %w", err)
			}
			in.FirstTimestamp = first
		}
	}

	plan, err := BuildPlan(in)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		logger.Debug("empty plan, nothing to do")
		return nil
	}

	// Chunks run in increasing time order so the destination's newest
	// timestamp never moves backwards, even when a later chunk fails.
	// Cancellation is honored between chunks only: the in-flight chunk
	// always runs to completion.
	chunkCtx := context.WithoutCancel(ctx)
	for _, chunk := range plan {
		stats, err := transfer.CopyChunk(chunkCtx, srcDB, destDB, name, fields, chunk)
		summary.PointsRead += stats.Read
		summary.PointsWritten += stats.Written
		summary.SkippedCells += stats.Skipped
		if err != nil {
			return fmt.Errorf("chunk %s: %w", chunk, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	logger.Debug("measurement done")
	return nil
}

// pruneObsolete drops the fields whose destination data went dormant for
// longer than obsolete_days. A field with no destination data at all is
// kept: it may simply be new.
func (m *Manager) pruneObsolete(
	ctx context.Context,
	destDB, name string,
	fields []influx.Field,
	now time.Time,
) ([]influx.Field, error) {
	cutoff := now.Add(-time.Duration(m.Job.ObsoleteDays()) * types.Day)

	var kept []influx.Field
	for _, f := range fields {
		last, err := m.Dest.LastFieldTimestamp(ctx, destDB, name, f.Name)
		if err != nil {
			return nil, fmt.Errorf("could not check obsolescence of %q: %w", f.Name, err)
		}
		if last != nil && last.Before(cutoff) {
			m.Logger.WithFields(logrus.Fields{
				"measurement": name,
				"field":       f.Name,
			}).Debug("field is obsolete, dropping")
			continue
		}
		kept = append(kept, f)
	}
	return kept, nil
}
