// Package main wires ProviderRegistry, ResponseCache, IntentGate,
// ContextBuilder, Coordinator, JobManager and MetricsCollector into a
// single long-running process, and exposes its health and metrics
// surface over HTTP. The business API (job submission, streaming) is an
// external transport concern and is not implemented here.
package main
