// Package bounded runs asynchronous work under a deadline.
//
// Run hands the work a Settler and a context. The work settles the result by
// calling Resolve or Reject, possibly from another goroutine long after the
// work function itself returned. Run returns the first settlement, or
// ErrTimeout when the deadline passes first. In every case the work context is
// cancelled when Run returns, which is the abort signal for in-flight I/O.
package bounded
