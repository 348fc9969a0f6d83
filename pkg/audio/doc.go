// Package audio implements the PCM wire format for live voice sessions:
// base64 text encoding, float/int16 frame conversion, and amplitude
// measurement. Input frames are 16 kHz mono, model audio is 24 kHz mono.
package audio
