// Package scheduler runs the reminder state machine.
//
// Triggers are queued FIFO and processed one at a time by a single worker
// (load -> plan -> arm/cancel -> save -> publish). No two evaluations run
// concurrently and an evaluation that has started always runs to completion.
//
// Machine states:
//
//	Idle --trigger--> Evaluating --Schedule--> Armed
//	                             --Cancel----> Stopped
//	                             --NoAction--> previous state
package scheduler
