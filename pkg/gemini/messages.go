package gemini

import (
	"github.com/vocalis-dev/vocalis/pkg/audio"
	"github.com/vocalis-dev/vocalis/pkg/session"
)

// setupMessage is the first client frame on a live connection.
type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model                    string            `json:"model"`
	GenerationConfig         generationConfig  `json:"generationConfig"`
	SystemInstruction        *content          `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *transcriptConfig `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *transcriptConfig `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// transcriptConfig is empty on the wire; its presence enables transcription.
type transcriptConfig struct{}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string              `json:"text,omitempty"`
	InlineData *audio.MediaPayload `json:"inlineData,omitempty"`
}

// realtimeInputMessage carries microphone audio upstream.
type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []audio.MediaPayload `json:"mediaChunks"`
}

// serverMessage is the envelope for every server frame.
type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete"`
	ServerContent *serverContent `json:"serverContent"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn"`
	Interrupted         bool           `json:"interrupted"`
	TurnComplete        bool           `json:"turnComplete"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
}

type transcription struct {
	Text string `json:"text"`
}

// translateServerContent flattens one serverContent frame into session
// messages, audio parts first so playback is scheduled before any turn
// boundary is observed.
func translateServerContent(sc *serverContent) []session.ServerMessage {
	if sc == nil {
		return nil
	}

	var msgs []session.ServerMessage
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				data := *p.InlineData
				msgs = append(msgs, session.ServerMessage{Audio: &data})
			}
		}
	}

	flags := session.ServerMessage{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.InputTranscription != nil {
		flags.InputTranscription = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		flags.OutputTranscription = sc.OutputTranscription.Text
	}
	if flags.Interrupted || flags.TurnComplete || flags.InputTranscription != "" || flags.OutputTranscription != "" {
		msgs = append(msgs, flags)
	}
	return msgs
}
