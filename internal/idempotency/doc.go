// Package idempotency remembers which event an Idempotency-Key produced so a
// retried append returns the original event instead of writing a new one.
package idempotency
