// Package gemini implements the Gemini Live API transport.
//
// It speaks the BidiGenerateContent websocket protocol: a setup message
// negotiates the model, voice, and transcription options, realtimeInput
// frames carry microphone audio upstream, and serverContent messages carry
// synthesized audio, transcription fragments, interruption signals, and turn
// boundaries back down. The transport translates that wire protocol into
// session.ServerMessage values.
package gemini
