// Package worker claims pending jobs and runs them through the pipeline
// runner on a bounded pool of goroutines.
//
// A Worker performs a single claim: it reads the oldest pending job ids and
// moves the first one it wins from pending to processing with a conditional
// transition, so a job cancelled or claimed elsewhere in the meantime is
// skipped. A Scheduler runs MaxConcurrentJobs worker loops. Idle loops sleep
// until Notify is called or PollInterval elapses, whichever comes first.
//
// Start recovers jobs left active by a previous process before any worker
// begins claiming. Stop stops claiming and waits for in-flight jobs to reach
// a terminal state; a job is never abandoned mid-stage by a shutdown.
package worker
