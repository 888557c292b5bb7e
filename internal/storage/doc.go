// Package storage persists the analysis report queue and the audit trail
// of scheduler and migration runs.
//
// Both drivers recover from a crash mid-run: reports left in the processing
// state are returned to pending on open.
package storage
