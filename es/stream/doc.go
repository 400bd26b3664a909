// Package stream delivers linked events to a handler in per-stream position
// order and blocks streams whose handler failed.
//
// Events of one stream may arrive in any order and more than once. A Buffer
// keeps one status row per (source, component, stream): positions already
// consumed are discarded, the next expected position is delivered, and
// positions ahead of it are held until the gap closes. A stream referenced
// by a stream error holds every arrival until ErrorTracker.MarkFixed clears
// the reference and the held events are drained.
//
// Every operation runs in the caller's transaction and locks the status
// row of one stream only.
package stream
