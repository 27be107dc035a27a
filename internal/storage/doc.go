// Package storage persists the scheduler's state.
//
// One Store holds three things:
//   - the schedule preferences (running, nextFireAt, seed, installedVersion)
//   - alarm registrations, so armed timers survive process death
//   - the ping log (one row per fired reminder)
//
// Drivers: "file" (JSON snapshots + JSON Lines), "sqlite" (modernc.org/sqlite)
// and "memory".
package storage
