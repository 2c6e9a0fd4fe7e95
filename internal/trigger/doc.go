// Package trigger bridges wall-clock schedules into the frame scheduler.
//
// Each firing registers a one-shot task on the job's stages, so the work itself
// always runs on a frame pass rather than on the cron goroutine. A job whose
// previous task has not fired yet is skipped.
package trigger
