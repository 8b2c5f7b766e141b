// Package sinks implements journal consumers: Prometheus collectors, the
// structured log and a run-history repository. Each sink satisfies
// journal.Sink and is safe for repeated Consume/Close cycles.
package sinks
