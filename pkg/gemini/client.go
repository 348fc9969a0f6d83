package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vocalis-dev/vocalis/pkg/audio"
	"github.com/vocalis-dev/vocalis/pkg/session"
)

const (
	// DefaultHost is the Gemini Live API endpoint.
	DefaultHost = "generativelanguage.googleapis.com"
	// DefaultModel is the live audio model used when none is configured.
	DefaultModel = "models/gemini-2.0-flash-live-001"
	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Puck"

	bidiPath = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultConnectTimeout = 15 * time.Second
	setupTimeout          = 10 * time.Second

	messageBuffer = 32
)

// Transport dials the Gemini Live API. It implements session.Transport.
type Transport struct {
	// APIKey is required.
	APIKey string

	// Model, Voice, and Host fall back to the package defaults when empty.
	Model string
	Voice string
	Host  string

	// SystemInstruction primes the model, if set.
	SystemInstruction string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Connect dials the live endpoint, performs setup, and waits for the server
// to acknowledge it before returning the connection.
func (t *Transport) Connect(ctx context.Context) (session.Conn, error) {
	if t.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	model := t.Model
	if model == "" {
		model = DefaultModel
	}
	voice := t.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	host := t.Host
	if host == "" {
		host = DefaultHost
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	u := url.URL{
		Scheme:   "wss",
		Host:     host,
		Path:     bidiPath,
		RawQuery: "key=" + url.QueryEscape(t.APIKey),
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gemini: dial %s: %w (status %d)", host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("gemini: dial %s: %w", host, err)
	}

	setup := setupMessage{Setup: setupPayload{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: voiceConfig{
					PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
				},
			},
		},
		InputAudioTranscription:  &transcriptConfig{},
		OutputAudioTranscription: &transcriptConfig{},
	}}
	if t.SystemInstruction != "" {
		setup.Setup.SystemInstruction = &content{Parts: []part{{Text: t.SystemInstruction}}}
	}
	if err := ws.WriteJSON(setup); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("gemini: send setup: %w", err)
	}

	if err := awaitSetupComplete(ws); err != nil {
		_ = ws.Close()
		return nil, err
	}
	logger.Debug("live session established", "model", model, "voice", voice)

	c := &liveConn{
		ws:       ws,
		logger:   logger,
		messages: make(chan session.ServerMessage, messageBuffer),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func awaitSetupComplete(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(setupTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("gemini: await setup ack: %w", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("gemini: decode setup ack: %w", err)
	}
	if msg.SetupComplete == nil {
		return fmt.Errorf("gemini: expected setupComplete, got %s", data)
	}
	return nil
}

// liveConn is an established Gemini Live websocket session.
type liveConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	messages chan session.ServerMessage
	done     chan struct{}
	quit     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Send transmits one captured audio frame as a realtimeInput chunk.
func (c *liveConn) Send(payload audio.MediaPayload) error {
	if c.closed.Load() {
		return errors.New("gemini: connection is closed")
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []audio.MediaPayload{payload},
	}}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Messages yields decoded server messages. The channel is closed when the
// connection ends.
func (c *liveConn) Messages() <-chan session.ServerMessage {
	return c.messages
}

// Err blocks until the connection ends and reports the terminal error, or
// nil after a clean close.
func (c *liveConn) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close shuts the websocket down. It is safe to call more than once.
func (c *liveConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *liveConn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *liveConn) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.setErr(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping undecodable server frame", "error", err)
			continue
		}
		for _, out := range translateServerContent(msg.ServerContent) {
			select {
			case c.messages <- out:
			case <-c.quit:
				return
			}
		}
	}
}
