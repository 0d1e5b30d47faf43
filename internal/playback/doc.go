// Package playback decides how a panel stream is presented to a decode
// pipeline and recovers when a strategy fails.
//
// Classify labels a StreamDescriptor, Select turns the label and the Runtime
// capabilities into an ordered candidate list, and Session walks that list:
// media-layer errors are healed in place within a retry budget, transport-layer
// errors abandon the candidate, and running out of candidates is terminal until
// the user retries. A Session never holds more than one pipeline; the previous
// one is always destroyed before the next is bound.
package playback
