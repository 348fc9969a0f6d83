// Package playback schedules decoded model audio for gapless, in-order
// playback on an output device, with immediate full-stop on interruption.
package playback
