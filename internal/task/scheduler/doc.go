// Package scheduler runs one work unit at a fixed rate (or on a cron
// schedule) on a single worker goroutine, once the host reports ready.
//
// Manual triggers share the worker with scheduled runs, so executions never
// overlap. A manual run does not move the next scheduled target.
package scheduler
