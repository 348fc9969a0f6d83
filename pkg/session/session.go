package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vocalis-dev/vocalis/pkg/audio"
	"github.com/vocalis-dev/vocalis/pkg/playback"
	"github.com/vocalis-dev/vocalis/pkg/transcript"
)

const (
	// defaultListeningThreshold is the mean absolute amplitude above which a
	// captured frame counts as speech-level input.
	defaultListeningThreshold = 0.01

	defaultEventBuffer = 64
)

// Config configures a Controller.
type Config struct {
	Transport Transport
	Devices   Devices

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// ListeningThreshold overrides the speech-level amplitude threshold.
	ListeningThreshold float64

	// EventBuffer sets the capacity of the Events channel.
	EventBuffer int
}

// Controller runs one live voice session. Create it with NewController,
// start it once with Start, and release it with Stop. A Controller is not
// restartable after Stop or a terminal error.
type Controller struct {
	transport Transport
	devices   Devices
	logger    *slog.Logger
	threshold float64

	mu        sync.Mutex
	status    Status
	listening bool
	started   bool
	conn      Conn
	mic       Microphone
	out       Output
	sched     *playback.Scheduler
	acc       *transcript.Accumulator

	events       chan Event
	eventsMu     sync.Mutex
	eventsClosed bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewController builds a Controller from cfg. Transport and Devices are
// required.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport must not be nil")
	}
	if cfg.Devices == nil {
		return nil, errors.New("session: devices must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.ListeningThreshold
	if threshold <= 0 {
		threshold = defaultListeningThreshold
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Controller{
		transport: cfg.Transport,
		devices:   cfg.Devices,
		logger:    logger,
		threshold: threshold,
		status:    StatusDisconnected,
		acc:       transcript.NewAccumulator(),
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
	}, nil
}

// Events yields session events. The channel is closed after teardown
// completes.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Status reports the current connection state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// History returns the finished conversation transcript.
func (c *Controller) History() []transcript.Item {
	return c.acc.History()
}

// Start connects the transport and acquires the audio devices, then begins
// streaming. It may be called at most once; a Controller that has been
// stopped cannot be started. The session ends when ctx is canceled or its
// deadline passes. On failure every resource acquired so far is released
// before Start returns.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return errors.New("session: controller is closed")
	default:
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("session: already started")
	}
	c.started = true
	c.mu.Unlock()

	c.setStatus(StatusConnecting)

	conn, err := c.transport.Connect(ctx)
	if err != nil {
		c.failStart(&TransportError{Op: "connect", Err: err})
		return fmt.Errorf("session: connect: %w", err)
	}

	mic, err := c.devices.OpenMicrophone(audio.InputSampleRate)
	if err != nil {
		_ = conn.Close()
		acqErr := &AcquisitionError{Device: "microphone", Err: err}
		c.failStart(acqErr)
		return acqErr
	}

	out, err := c.devices.OpenOutput(audio.OutputSampleRate)
	if err != nil {
		_ = mic.Close()
		_ = conn.Close()
		acqErr := &AcquisitionError{Device: "audio output", Err: err}
		c.failStart(acqErr)
		return acqErr
	}

	c.mu.Lock()
	c.conn = conn
	c.mic = mic
	c.out = out
	c.sched = playback.NewScheduler(out)
	c.sched.SetSpeakingFunc(func(speaking bool) {
		c.emit(SpeakingEvent{Speaking: speaking})
	})
	c.mu.Unlock()

	c.setStatus(StatusConnected)

	c.wg.Add(2)
	go c.captureLoop(mic, conn)
	go c.receiveLoop(conn)
	go c.watchContext(ctx)
	return nil
}

// watchContext ends the session once the caller's context expires. The
// gateway's session duration cap arrives here as a context deadline.
func (c *Controller) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		c.shutdown(nil)
	case <-c.done:
	}
}

// Stop tears the session down and blocks until every resource is released
// and the event channel is closed. It is safe to call more than once.
func (c *Controller) Stop() {
	c.shutdown(nil)
	<-c.done
}

// Done is closed once teardown has completed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Interrupt flushes pending assistant playback locally, as if the service
// had reported barge-in.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched == nil {
		return
	}
	sched.Interrupt()
	c.emit(InterruptedEvent{})
}

func (c *Controller) captureLoop(mic Microphone, conn Conn) {
	defer c.wg.Done()
	for frame := range mic.Frames() {
		level := audio.MeanAbsAmplitude(frame)
		c.setListening(level > c.threshold)

		if err := conn.Send(audio.ToWireFrame(frame)); err != nil {
			select {
			case <-c.done:
			default:
				c.shutdown(&TransportError{Op: "send", Err: err})
			}
			return
		}
	}
	c.setListening(false)
}

func (c *Controller) receiveLoop(conn Conn) {
	defer c.wg.Done()
	for msg := range conn.Messages() {
		c.handleMessage(msg)
	}
	if err := conn.Err(); err != nil {
		c.shutdown(&TransportError{Op: "receive", Err: err})
		return
	}
	c.shutdown(nil)
}

func (c *Controller) handleMessage(msg ServerMessage) {
	if msg.Interrupted {
		c.mu.Lock()
		sched := c.sched
		c.mu.Unlock()
		if sched != nil {
			sched.Interrupt()
		}
		c.emit(InterruptedEvent{})
	}

	if msg.Audio != nil {
		c.handleAudio(*msg.Audio)
	}

	if msg.InputTranscription != "" {
		c.acc.AppendInput(msg.InputTranscription)
	}
	if msg.OutputTranscription != "" {
		c.acc.AppendOutput(msg.OutputTranscription)
	}

	if msg.TurnComplete {
		if items := c.acc.Flush(); len(items) > 0 {
			c.emit(TranscriptEvent{Items: items})
		}
	}
}

func (c *Controller) handleAudio(payload audio.MediaPayload) {
	chunk, err := audio.DecodeChunk(payload.Data, audio.OutputSampleRate)
	if err != nil {
		// Malformed chunks are dropped; the session keeps running.
		c.logger.Warn("dropping malformed audio chunk", "error", err)
		c.emit(ErrorEvent{Err: err})
		return
	}

	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()
	if sched == nil {
		return
	}
	if err := sched.Schedule(chunk); err != nil {
		c.shutdown(fmt.Errorf("session: schedule playback: %w", err))
	}
}

func (c *Controller) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()
	c.logger.Debug("session status", "status", status.String())
	c.emit(StatusEvent{Status: status})
}

func (c *Controller) setListening(listening bool) {
	c.mu.Lock()
	if c.listening == listening {
		c.mu.Unlock()
		return
	}
	c.listening = listening
	c.mu.Unlock()
	c.emit(ListeningEvent{Listening: listening})
}

// failStart finalizes a Controller whose Start never fully succeeded.
func (c *Controller) failStart(cause error) {
	c.stopOnce.Do(func() {
		c.logger.Error("session start failed", "error", cause)
		c.emit(ErrorEvent{Err: cause, Terminal: true})
		c.setStatus(StatusError)
		c.closeEvents()
		close(c.done)
	})
}

func (c *Controller) shutdown(cause error) {
	c.stopOnce.Do(func() {
		go c.teardown(cause)
	})
}

// teardown releases each held resource exactly once: the microphone stops
// capture, the upstream connection ends the receive loop, and the output
// device is closed after pending playback is flushed.
func (c *Controller) teardown(cause error) {
	if cause != nil {
		c.logger.Error("session failed", "error", cause)
		c.emit(ErrorEvent{Err: cause, Terminal: true})
	}

	c.mu.Lock()
	mic, conn, out, sched := c.mic, c.conn, c.out, c.sched
	c.mu.Unlock()

	if mic != nil {
		if err := mic.Close(); err != nil {
			c.logger.Warn("closing microphone", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Warn("closing connection", "error", err)
		}
	}
	if sched != nil {
		sched.Interrupt()
	}
	if out != nil {
		if err := out.Close(); err != nil {
			c.logger.Warn("closing audio output", "error", err)
		}
	}

	c.wg.Wait()

	if cause != nil {
		c.setStatus(StatusError)
	} else {
		c.setStatus(StatusDisconnected)
	}
	c.closeEvents()
	close(c.done)
}

func (c *Controller) emit(event Event) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- event:
	default:
		// Avoid blocking internal loops if the caller stops consuming.
	}
}

func (c *Controller) closeEvents() {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.eventsClosed {
		return
	}
	c.eventsClosed = true
	close(c.events)
}
