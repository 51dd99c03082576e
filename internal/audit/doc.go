// Package audit records the terminal outcome of every validation and
// challenge attempt.
//
// # Recording
//
// The Recorder is fire-and-forget: Emit puts the entry on a bounded queue and
// returns immediately; one worker writes queued entries to the configured
// Sink. When the queue is full the entry is dropped and counted in
// audit_dropped_total. A failing or panicking sink is logged and counted,
// never surfaced to the caller, so the validation decision cannot depend on
// audit availability.
//
// # Sinks
//
//   - LogSink writes entries through slog
//   - PostgresSink inserts into validation_logs through pgx
//   - KafkaSink publishes JSON messages keyed by key id through kafka-go
//   - MultiSink fans out to several sinks, isolating their failures
//
// # Observers
//
// Observers (for example the websocket stream hub) are notified after the
// sinks ran. They receive a copy of the entry and may drop it.
package audit
