// Package scheduler registers named triggers on robfig/cron and enqueues the
// bound job into the task engine when a trigger fires.
//
// Registration is upsert-by-name: adding a trigger under an existing name
// removes the old entry first, so a name never has more than one live
// trigger. Execution is the engine's concern.
package scheduler
