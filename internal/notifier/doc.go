// Package notifier is the outbound send path for release notifications.
//
// Every send waits on a shared token bucket, is bounded by a per-call
// timeout and is retried with jittered backoff unless the transport marks
// the error permanent. Identical text to the same chat inside the dedup
// window is suppressed.
//
// Sends run on the caller's goroutine so the caller learns the outcome.
package notifier
