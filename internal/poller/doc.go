// Package poller fetches recent items for a source through an ordered chain
// of acquisition strategies.
//
// A strategy reports failure through the error taxonomy in errors.go:
//   - auth, parse and transient errors fall through to the next strategy
//   - a rate-limit error is honored with a wait and one retry of the same
//     strategy; a second rate-limit ends the chain for this cycle
//
// When every strategy fails the chain yields no items and no error. Callers
// treat "nothing new" and "fetch failed" the same way so a flaky provider can
// never erase checkpoint state.
package poller
