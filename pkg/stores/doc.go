// Package stores persists transfer processes and their event log in SQLite.
//
// Processes are claimed by manager instances through time-bounded leases and
// written back with an optimistic version check. A write from an instance that
// lost its lease, or that raced with a cancellation request, fails with
// ErrConflict and changes nothing.
package stores
