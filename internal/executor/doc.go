// Package executor runs jobs dispatched on the jobs topic.
//
// A bounded pool of workers consumes job messages. Before starting a job a
// worker checks the pipeline gate and the deposit state, takes the
// deposit's execution lease, and moves the job record to working. The job
// body runs under a maximum duration while the lease is renewed in the
// background. Every run ends in exactly one outcome message on the
// operations topic: JOB_SUCCESS, JOB_FAILURE or JOB_INTERRUPTED.
package executor
