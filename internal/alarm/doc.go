// Package alarm arms one-shot wake-ups at absolute times.
//
// Timers are in-process (time.AfterFunc); registrations are persisted
// through a Registry so that Restore can re-arm them after a restart.
package alarm
