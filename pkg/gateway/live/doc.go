// Package live serves the browser-facing live voice WebSocket endpoint.
//
// Each connection is handshaken with a hello/hello_ack exchange, then bridged
// to an upstream Gemini session: audio_frame messages feed the session's
// microphone, and session events flow back as status, listening, speaking,
// transcript_item, assistant_audio_chunk, audio_reset, and error frames.
package live
