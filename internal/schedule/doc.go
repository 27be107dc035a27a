// Package schedule holds the reminder scheduling domain: the persisted
// State, the Trigger events that drive evaluation and the Planner that
// turns (state, now, version, trigger) into a Decision.
//
// Everything here is pure. Persistence lives in internal/storage and
// timers live in internal/alarm.
package schedule
