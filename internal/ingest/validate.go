package ingest

import (
	"math"
)

const (
	FlagStationMismatch   = "station_mismatch"
	FlagParameterMismatch = "parameter_mismatch"
	FlagMissingTimestamp  = "missing_timestamp"
	FlagOutsideWindow     = "outside_window"
	FlagValueNotFinite    = "value_not_finite"
)

// ValidateRecord returns the quality flags raised by rec for the query that
// fetched it. A record with any flag is not stored. A nil value is not a
// flag; such records are simply skipped.
func ValidateRecord(rec Record, q Query) []string {
	var flags []string

	if rec.StationID != q.StationID {
		flags = append(flags, FlagStationMismatch)
	}

	if rec.ParameterID != q.ParameterID {
		flags = append(flags, FlagParameterMismatch)
	}

	if rec.ObservedAt.IsZero() {
		flags = append(flags, FlagMissingTimestamp)
	} else if rec.ObservedAt.Before(q.Start) || rec.ObservedAt.After(q.End) {
		flags = append(flags, FlagOutsideWindow)
	}

	if rec.Value != nil && (math.IsNaN(*rec.Value) || math.IsInf(*rec.Value, 0)) {
		flags = append(flags, FlagValueNotFinite)
	}

	return flags
}
