// Package journal records the lifecycle of followed jobs. A non-blocking Hub
// batches records on a background goroutine and fans them out to sinks such
// as Prometheus metrics or the structured log.
package journal
