// Package retrieve drives WADO retrievals: Acquire answers from the cache or
// records an in-progress entry and schedules a background C-MOVE task on the
// worker pool. The task retries up to the configured number of attempts,
// polls the cache file count as its completion oracle and finishes the entry
// as completed or failed.
package retrieve
