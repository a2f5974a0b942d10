// Package workqueue implements the bounded queues the governor arbitrates
// with.
//
// A Queue admits at most `ceiling` concurrently running items; everything
// else waits in an ordered backlog. Submit blocks the calling goroutine until
// its item has run and settled, so the item's outcome (including its error)
// flows straight back to the submitter. Waiting items hold no resources
// beyond the blocked submitter itself.
//
// Lifecycle transitions are published on the event bus and logged; they are
// diagnostic only and never influence dispatch.
package workqueue
