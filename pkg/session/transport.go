package session

import (
	"context"

	"github.com/vocalis-dev/vocalis/pkg/audio"
	"github.com/vocalis-dev/vocalis/pkg/playback"
)

// ServerMessage is one decoded message from the upstream voice service.
// Fields are independent; a single message may carry several of them.
type ServerMessage struct {
	// Audio is a chunk of synthesized assistant speech, if present.
	Audio *audio.MediaPayload
	// Interrupted is set when the service detected barge-in and stopped
	// generating; buffered playback must be flushed.
	Interrupted bool
	// InputTranscription is a fragment of transcribed user speech.
	InputTranscription string
	// OutputTranscription is a fragment of transcribed assistant speech.
	OutputTranscription string
	// TurnComplete marks the end of a model turn.
	TurnComplete bool
}

// Transport dials the upstream voice service.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is an established upstream connection. Messages is closed when the
// connection ends; Err then reports the terminal error, or nil for a clean
// close.
type Conn interface {
	Send(payload audio.MediaPayload) error
	Messages() <-chan ServerMessage
	Err() error
	Close() error
}

// Devices opens local audio hardware.
type Devices interface {
	OpenMicrophone(sampleRate int) (Microphone, error)
	OpenOutput(sampleRate int) (Output, error)
}

// Microphone delivers captured frames as float samples in [-1, 1].
// Frames is closed by Close.
type Microphone interface {
	Frames() <-chan []float32
	Close() error
}

// Output is a playback sink that can be released when the session ends.
type Output interface {
	playback.Output
	Close() error
}
