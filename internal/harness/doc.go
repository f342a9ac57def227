// Package harness runs scripted settlement days against the real Daily
// Orchestrator, Settlement Worker and trigger dispatcher.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: two_event_day
//	description: "What this scenario validates"
//	subject: "3941"
//	date: "2024-05-01"
//	start: 2024-05-01T00:00:00Z
//	config:
//	  settlement_offset: 20m
//	  max_attempts: 3
//	  daily_budget: 200
//	events:
//	  - event_id: E1
//	    scheduled_time: 2024-05-01T06:00:00Z
//	    metadata: { candidates: "1-2-3" }
//	steps:
//	  - action: morning
//	  - action: publish
//	    event_id: E1
//	    result: 1-2-3
//	    payout: 600
//	  - action: advance
//	    duration: 6h30m
//	  - action: dispatch
//	assertions:
//	  - type: balance
//	    amount: 500
//	  - type: status
//	    event_id: E1
//	    status: settled
//
// # Step Actions
//
//   - morning: run the orchestrator for the scenario date
//   - publish, withdraw, not_found, outage, restore: change what the feed returns
//   - advance: move the fake clock
//   - dispatch: deliver every due trigger, as a cron-driven dispatcher would
//   - fire: deliver one event's trigger immediately
//   - sweep: remove stale triggers and fail their pending predictions
//
// # Assertion Types
//
//   - balance: the subject's all-time balance
//   - status: one prediction's status
//   - payout_delta: one result's payout delta
//   - result_count, armed_count, notification_count: exact counts
//   - trace_contains: a trace event with the given step, event and detail
//
// # Deterministic Testing
//
// Every scenario runs on a fresh in-memory SQLite database with a fake clock
// and sequential trigger ids, so the trace is identical across runs and can
// be compared against testdata/golden/{name}.golden.
package harness
