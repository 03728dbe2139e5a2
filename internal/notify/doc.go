// Package notify turns fired jobs into intents and delivers them to the
// front end.
//
// # Translation
//
// Translator is the jobs.Handler. It runs inside the job's transaction, so
// the lifecycle transition (auto-cancel, auto-finish), the intent row and the
// job's done mark commit together or not at all. It keeps no state.
//
// # Delivery
//
// Relay drains the intent outbox to a Sink. Delivery is at least once:
// a row is marked delivered only after the sink accepted it, so a crash in
// between re-sends it. Sinks deduplicate on (reservation_id, kind, job_fire_at).
// Sends are rate limited and retried with jittered backoff; a row that keeps
// failing is marked failed after give_up_after attempts.
package notify
