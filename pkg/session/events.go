package session

import "github.com/vocalis-dev/vocalis/pkg/transcript"

// Event is emitted by Controller.Events().
type Event interface {
	sessionEventType() string
}

// StatusEvent reports a connection state transition.
type StatusEvent struct {
	Status Status
}

func (e StatusEvent) sessionEventType() string { return "status" }

// ListeningEvent reports whether the microphone currently hears speech-level
// input. It is advisory and never gates capture.
type ListeningEvent struct {
	Listening bool
}

func (e ListeningEvent) sessionEventType() string { return "listening" }

// SpeakingEvent reports whether assistant audio is currently playing or
// queued for playback.
type SpeakingEvent struct {
	Speaking bool
}

func (e SpeakingEvent) sessionEventType() string { return "speaking" }

// InterruptedEvent signals that pending playback was flushed because the
// user barged in over the assistant.
type InterruptedEvent struct{}

func (e InterruptedEvent) sessionEventType() string { return "interrupted" }

// TranscriptEvent carries the history items finalized by a completed turn.
type TranscriptEvent struct {
	Items []transcript.Item
}

func (e TranscriptEvent) sessionEventType() string { return "transcript" }

// ErrorEvent reports a session error. Terminal errors are followed by
// teardown; non-terminal errors (such as a malformed audio chunk) leave the
// session running.
type ErrorEvent struct {
	Err      error
	Terminal bool
}

func (e ErrorEvent) sessionEventType() string { return "error" }
