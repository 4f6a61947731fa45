package backup

import (
	"github.com/influxback/influxback/influx"
	"github.com/influxback/influxback/lib/config"
)

// FilterMeasurements applies the measurement include/exclude lists. A
// non-empty include list wins over the exclude list. Names are
// case-sensitive.
func FilterMeasurements(names []string, mc config.MeasurementsConfig) []string {
	if len(mc.Include) > 0 {
		included := make(map[string]struct{}, len(mc.Include))
		for _, name := range mc.Include {
			included[name] = struct{}{}
		}
		var kept []string
		for _, name := range names {
			if _, ok := included[name]; ok {
				kept = append(kept, name)
			}
		}
		return kept
	}

	excluded := make(map[string]struct{}, len(mc.Exclude))
	for _, name := range mc.Exclude {
		excluded[name] = struct{}{}
	}
	var kept []string
	for _, name := range names {
		if _, ok := excluded[name]; !ok {
			kept = append(kept, name)
		}
	}
	return kept
}

// FieldsConfigFor picks the field policy for a measurement: the
// per-measurement block replaces the global one entirely when present.
func FieldsConfigFor(job *config.Job, measurement string) config.FieldsConfig {
	if sc, ok := job.Measurements.Specific[measurement]; ok && sc.Fields != nil {
		return *sc.Fields
	}
	return job.Measurements.Fields
}

// FilterFields applies one field policy in order: restrict to the declared
// types, apply include when non-empty, then remove the excluded names.
func FilterFields(fields []influx.Field, fc config.FieldsConfig) []influx.Field {
	kept := fields

	if len(fc.Types) > 0 {
		types := make(map[string]struct{}, len(fc.Types))
		for _, kind := range fc.Types {
			types[kind] = struct{}{}
		}
		kept = filterFunc(kept, func(f influx.Field) bool {
			_, ok := types[f.Kind]
			return ok
		})
	}

	if len(fc.Include) > 0 {
		included := make(map[string]struct{}, len(fc.Include))
		for _, name := range fc.Include {
			included[name] = struct{}{}
		}
		kept = filterFunc(kept, func(f influx.Field) bool {
			_, ok := included[f.Name]
			return ok
		})
	}

	if len(fc.Exclude) > 0 {
		excluded := make(map[string]struct{}, len(fc.Exclude))
		for _, name := range fc.Exclude {
			excluded[name] = struct{}{}
		}
		kept = filterFunc(kept, func(f influx.Field) bool {
			_, ok := excluded[f.Name]
			return !ok
		})
	}

	return kept
}

func filterFunc(fields []influx.Field, keep func(influx.Field) bool) []influx.Field {
	var kept []influx.Field
	for _, f := range fields {
		if keep(f) {
			kept = append(kept, f)
		}
	}
	return kept
}
