// Package clock provides a tiny time abstraction.
//
// Senders resolve relative enqueue delays and the in-memory broker decides
// scheduling, expiry and lock release through a Clock, so tests can swap in a
// Manual clock and move time deterministically.
package clock
