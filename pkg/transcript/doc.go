// Package transcript accumulates streamed transcription fragments into a
// conversation history.
//
// The live API delivers input and output transcription text in small
// fragments as speech is recognized. The Accumulator buffers those fragments
// per turn and, on turn completion, flushes the buffered text into finished
// history items with stable identifiers and timestamps.
package transcript
