// Package streaming supervises a live text stream with periodic background
// guardrail checks.
//
// A Monitor reads deltas from an interfaces.StreamSource, appends them to a
// buffer and, every SamplingInterval characters, dispatches a verification of
// the text accumulated so far. At most one verification runs at a time. Its
// completion is polled without blocking before and after every delta, so a
// failing verdict stops the stream as soon as it is observed. A trip is
// attributed to the buffer length at which the failing check was dispatched,
// not to the length when its result arrived.
//
// Streaming stops at the hard length cap. When the stream ends or is capped
// without a trip, one final verification runs on the complete text before the
// session is reported clean.
package streaming
