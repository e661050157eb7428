// Package taskqueue limits how many deferred operations run at once.
//
// A Queue accepts thunks in FIFO order and runs up to MaxParallel of them
// concurrently. The limit can be raised or lowered while the queue is
// running, which is how the rate controller sheds or adds load. A failing or
// panicking task never stops the queue: the failure goes to the error sink
// and dispatch continues.
//
// Two dispatch modes exist:
//
//   - ModeBatch takes up to MaxParallel tasks, runs them, and waits for the
//     whole batch to settle before taking the next one.
//   - ModeAsync keeps up to MaxParallel tasks in flight at all times; each
//     completion immediately frees a slot for the next pending task.
//
// Successful completions advance an optional Index, a monotonic 64-bit
// counter rendered as fixed-width hex. In ModeAsync it reflects completion
// order, not submission order.
package taskqueue
