// Package monitor consumes long-lived runtime streams and feeds what they
// report back into session state.
//
// Loop is the shared shape: one synchronous Sync pass on start, then an
// unbounded subscribe/handle loop. A failed subscription is retried after a
// delay that doubles per consecutive failure up to MaxDelay, and every
// handled event resets the delay. Stop cancels the current subscription and
// exits without retrying.
//
// Three sources run on it: ContainerEvents maps lifecycle events to
// SessionContainer status, LogTrackers runs one log Loop per running
// container, and SharedNetwork keeps the shared network attached.
package monitor
