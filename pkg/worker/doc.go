// Package worker is the consumer runtime.
//
// A Worker runs a fixed number of consumers per queue. Every consumer holds at
// most one message: it runs the queue's handler in its own goroutine and,
// while the handler works, pumps the broker heartbeat and mirrors progress on
// a fixed tick. The message is acknowledged only once the handler returns,
// whatever its outcome; job state lives in the store, not in the broker.
// Undecodable messages go to the queue's dead-letter queue.
package worker
