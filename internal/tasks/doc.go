// Package tasks runs fire-and-forget background work: opening global
// connections at startup and warming a principal's connection after a
// credential was stored.
//
// Tasks go through a bounded queue that deduplicates by kind and key, are
// executed by a fixed number of workers and retried with exponential backoff
// until they succeed, return a permanent error, or run out of attempts.
package tasks
