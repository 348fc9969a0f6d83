// Package session orchestrates a live voice conversation.
//
// A Controller owns one session end to end: it connects the transport,
// acquires the microphone and the audio output, streams captured frames
// upstream, schedules returned audio for gapless playback, accumulates
// transcription fragments, and reacts to barge-in interruption. The caller
// observes the session through a single event channel and tears it down
// with Stop.
package session
