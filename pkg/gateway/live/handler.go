package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/vocalis-dev/vocalis/pkg/audio"
	"github.com/vocalis-dev/vocalis/pkg/gateway/config"
	"github.com/vocalis-dev/vocalis/pkg/gateway/live/protocol"
	"github.com/vocalis-dev/vocalis/pkg/gemini"
	"github.com/vocalis-dev/vocalis/pkg/session"
)

// Handler serves the /v1/live browser WebSocket endpoint. Each connection
// gets its own session controller bridged to the Gemini Live API.
type Handler struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	// newTransport builds the upstream transport for one session. Tests
	// override it.
	newTransport func(voice, system string) session.Transport
}

// NewHandler builds a live handler from gateway config.
func NewHandler(cfg config.Config, logger *slog.Logger, metrics *Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the deployment, not the gateway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	h.newTransport = func(voice, system string) session.Transport {
		return &gemini.Transport{
			APIKey:            cfg.GeminiAPIKey,
			Model:             cfg.GeminiModel,
			Voice:             voice,
			SystemInstruction: system,
			Logger:            logger,
		}
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(h.cfg.MaxJSONMessageBytes)

	conn := &clientConn{ws: ws, writeTimeout: h.cfg.WSWriteTimeout}
	defer conn.close()

	hello, err := h.awaitHello(ws)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			_ = conn.writeJSON(protocol.ServerError{
				Type: "error", Code: decodeErr.Code, Message: decodeErr.Message, Close: true,
			})
		}
		return
	}

	sessionID := ulid.Make().String()
	logger := h.logger.With("session_id", sessionID)
	logger.Info("live session opened",
		"client", hello.Client.Name, "platform", hello.Client.Platform)

	if err := conn.writeJSON(protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       sessionID,
		AudioIn:         protocol.AudioFormat{Encoding: "pcm_s16le", SampleRateHz: audio.InputSampleRate, Channels: 1},
		AudioOut:        protocol.AudioFormat{Encoding: "pcm_s16le", SampleRateHz: audio.OutputSampleRate, Channels: 1},
	}); err != nil {
		return
	}

	h.runSession(r.Context(), conn, hello, logger)
}

func (h *Handler) awaitHello(ws *websocket.Conn) (protocol.ClientHello, error) {
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return protocol.ClientHello{}, err
	}
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		return protocol.ClientHello{}, err
	}
	hello, ok := msg.(protocol.ClientHello)
	if !ok {
		return protocol.ClientHello{}, &protocol.DecodeError{
			Code: "bad_request", Message: "first message must be hello", Param: "type",
		}
	}
	return hello, nil
}

func (h *Handler) runSession(ctx context.Context, conn *clientConn, hello protocol.ClientHello, logger *slog.Logger) {
	voice := ""
	if hello.Voice != nil {
		voice = hello.Voice.VoiceID
	}
	system := hello.System
	if system == "" {
		system = h.cfg.SystemInstruction
	}

	mic := newWSMicrophone()
	out := newWSOutput(func(msg protocol.ServerAssistantAudioChunk) error {
		h.metrics.AudioBytesTotal.WithLabelValues("out").Add(float64(len(msg.DataB64)))
		return conn.writeJSON(msg)
	})

	ctrl, err := session.NewController(session.Config{
		Transport: h.newTransport(voice, system),
		Devices:   wsDevices{mic: mic, out: out},
		Logger:    logger,
	})
	if err != nil {
		logger.Error("building session controller", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.MaxSessionDuration)
	defer cancel()

	h.metrics.SessionsActive.Inc()
	started := time.Now()
	defer func() {
		h.metrics.SessionsActive.Dec()
		h.metrics.SessionDuration.Observe(time.Since(started).Seconds())
	}()

	if err := ctrl.Start(ctx); err != nil {
		logger.Error("starting session", "error", err)
		h.metrics.SessionsTotal.WithLabelValues("start_failed").Inc()
		_ = conn.writeJSON(protocol.ServerError{
			Type: "error", Code: "upstream_unavailable", Message: "could not reach the voice service", Close: true,
		})
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.eventLoop(ctrl, conn)
	}()
	go func() {
		defer wg.Done()
		h.pingLoop(ctrl, conn)
	}()

	h.readLoop(ctrl, conn, mic)

	ctrl.Stop()
	wg.Wait()

	if ctrl.Status() == session.StatusError {
		h.metrics.SessionsTotal.WithLabelValues("error").Inc()
	} else {
		h.metrics.SessionsTotal.WithLabelValues("completed").Inc()
	}
	logger.Info("live session closed", "status", ctrl.Status().String())
}

// readLoop pumps browser frames into the controller until the socket drops
// or the client ends the session.
func (h *Handler) readLoop(ctrl *session.Controller, conn *clientConn, mic *wsMicrophone) {
	for {
		select {
		case <-ctrl.Done():
			return
		default:
		}

		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				h.metrics.ErrorsTotal.WithLabelValues(decodeErr.Code).Inc()
				_ = conn.writeJSON(protocol.ServerError{
					Type: "error", Code: decodeErr.Code, Message: decodeErr.Message,
				})
			}
			continue
		}

		switch m := msg.(type) {
		case protocol.ClientAudioFrame:
			pcm, err := audio.DecodeWire(m.DataB64)
			if err != nil {
				h.metrics.ErrorsTotal.WithLabelValues("bad_audio_frame").Inc()
				_ = conn.writeJSON(protocol.ServerError{
					Type: "error", Code: "bad_request", Message: "audio frame is not valid base64",
				})
				continue
			}
			// The budget counts decoded PCM bytes, not base64 text.
			if len(pcm) > h.cfg.MaxAudioFrameBytes {
				h.metrics.ErrorsTotal.WithLabelValues("frame_too_large").Inc()
				_ = conn.writeJSON(protocol.ServerError{
					Type: "error", Code: "bad_request", Message: "audio frame exceeds size limit",
				})
				continue
			}
			h.metrics.AudioBytesTotal.WithLabelValues("in").Add(float64(len(pcm)))
			mic.push(audio.DecodePCM(pcm))
		case protocol.ClientControl:
			switch m.Op {
			case "interrupt":
				ctrl.Interrupt()
			case "end_session":
				return
			}
		case protocol.ClientHello:
			_ = conn.writeJSON(protocol.ServerError{
				Type: "error", Code: "bad_request", Message: "hello may only be sent once",
			})
		}
	}
}

// eventLoop translates controller events into server frames.
func (h *Handler) eventLoop(ctrl *session.Controller, conn *clientConn) {
	for event := range ctrl.Events() {
		switch e := event.(type) {
		case session.StatusEvent:
			_ = conn.writeJSON(protocol.ServerStatus{Type: "status", Status: e.Status.String()})
		case session.ListeningEvent:
			_ = conn.writeJSON(protocol.ServerListening{Type: "listening", Listening: e.Listening})
		case session.SpeakingEvent:
			_ = conn.writeJSON(protocol.ServerSpeaking{Type: "speaking", Speaking: e.Speaking})
		case session.InterruptedEvent:
			_ = conn.writeJSON(protocol.ServerAudioReset{Type: "audio_reset", Reason: "interrupted"})
		case session.TranscriptEvent:
			for _, item := range e.Items {
				h.metrics.TranscriptItemsTotal.WithLabelValues(string(item.Type)).Inc()
				_ = conn.writeJSON(protocol.ServerTranscriptItem{
					Type: "transcript_item",
					Item: protocol.TranscriptItem{
						ID:        item.ID,
						Role:      string(item.Type),
						Text:      item.Text,
						Timestamp: item.Timestamp,
					},
				})
			}
		case session.ErrorEvent:
			code := "session_error"
			var formatErr *audio.FormatError
			if errors.As(e.Err, &formatErr) {
				code = "bad_upstream_audio"
			}
			h.metrics.ErrorsTotal.WithLabelValues(code).Inc()
			_ = conn.writeJSON(protocol.ServerError{
				Type: "error", Code: code, Message: e.Err.Error(), Close: e.Terminal,
			})
		}
	}
	// Controller is torn down; nudge the client read loop to finish.
	conn.close()
}

func (h *Handler) pingLoop(ctrl *session.Controller, conn *clientConn) {
	ticker := time.NewTicker(h.cfg.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctrl.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WSWriteTimeout)
			if err := conn.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		}
	}
}

// clientConn serializes writes to the browser socket.
type clientConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *clientConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
