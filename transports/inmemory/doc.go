// Package inmemory is an in-process broker implementing the messaging
// transport interfaces.
//
// It models queues, topics and subscriptions with peek-lock semantics: a
// delivered message stays locked for the configured lock duration and becomes
// visible again if it is not completed in time. Scheduling, time-to-live and
// lock expiry are all driven by a clock.Clock, so tests can use clock.Manual
// to move time explicitly.
//
// The broker records every operation and lets tests inject faults into sends,
// receives and administrative calls.
package inmemory
