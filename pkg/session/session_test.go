package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vocalis-dev/vocalis/pkg/audio"
	"github.com/vocalis-dev/vocalis/pkg/playback"
	"github.com/vocalis-dev/vocalis/pkg/transcript"
)

type stubConn struct {
	mu       sync.Mutex
	sent     []audio.MediaPayload
	sendErr  error
	messages chan ServerMessage
	err      error
	closed   int
	once     sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{messages: make(chan ServerMessage, 16)}
}

func (c *stubConn) Send(payload audio.MediaPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *stubConn) Messages() <-chan ServerMessage { return c.messages }

func (c *stubConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	c.once.Do(func() { close(c.messages) })
	return nil
}

// failWith closes the message channel as if the connection broke.
func (c *stubConn) failWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.messages) })
}

func (c *stubConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *stubConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type stubTransport struct {
	conn *stubConn
	err  error

	mu    sync.Mutex
	dials int
}

func (t *stubTransport) Connect(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	t.dials++
	t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	return t.conn, nil
}

func (t *stubTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type stubMic struct {
	frames chan []float32
	mu     sync.Mutex
	closed int
	once   sync.Once
}

func newStubMic() *stubMic {
	return &stubMic{frames: make(chan []float32, 16)}
}

func (m *stubMic) Frames() <-chan []float32 { return m.frames }

func (m *stubMic) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	m.once.Do(func() { close(m.frames) })
	return nil
}

func (m *stubMic) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type stubOutput struct {
	mu     sync.Mutex
	starts []time.Duration
	closed int
}

func (o *stubOutput) Now() time.Duration { return 0 }

func (o *stubOutput) Start(chunk audio.Chunk, at time.Duration) (playback.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts = append(o.starts, at)
	return &stubHandle{done: make(chan struct{})}, nil
}

func (o *stubOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
	return nil
}

func (o *stubOutput) startCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.starts)
}

func (o *stubOutput) closeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

type stubHandle struct {
	done chan struct{}
	once sync.Once
}

func (h *stubHandle) Done() <-chan struct{} { return h.done }
func (h *stubHandle) Stop()                 { h.once.Do(func() { close(h.done) }) }

type stubDevices struct {
	mic    *stubMic
	out    *stubOutput
	micErr error
	outErr error
}

func (d *stubDevices) OpenMicrophone(sampleRate int) (Microphone, error) {
	if d.micErr != nil {
		return nil, d.micErr
	}
	return d.mic, nil
}

func (d *stubDevices) OpenOutput(sampleRate int) (Output, error) {
	if d.outErr != nil {
		return nil, d.outErr
	}
	return d.out, nil
}

type fixture struct {
	conn *stubConn
	tr   *stubTransport
	mic  *stubMic
	out  *stubOutput
	ctrl *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{conn: newStubConn(), mic: newStubMic(), out: &stubOutput{}}
	f.tr = &stubTransport{conn: f.conn}
	ctrl, err := NewController(Config{
		Transport: f.tr,
		Devices:   &stubDevices{mic: f.mic, out: f.out},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	f.ctrl = ctrl
	return f
}

// collectEvents drains the event channel into a slice until it closes.
func collectEvents(ctrl *Controller) func() []Event {
	var mu sync.Mutex
	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ctrl.Events() {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}
	}()
	return func() []Event {
		<-done
		mu.Lock()
		defer mu.Unlock()
		return events
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartAndGracefulStop(t *testing.T) {
	f := newFixture(t)
	drain := collectEvents(f.ctrl)

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.ctrl.Status(); got != StatusConnected {
		t.Fatalf("status = %v, want connected", got)
	}

	f.ctrl.Stop()

	if got := f.ctrl.Status(); got != StatusDisconnected {
		t.Errorf("status after stop = %v, want disconnected", got)
	}
	if f.mic.closeCount() != 1 {
		t.Errorf("microphone closed %d times, want 1", f.mic.closeCount())
	}
	if f.conn.closeCount() != 1 {
		t.Errorf("connection closed %d times, want 1", f.conn.closeCount())
	}
	if f.out.closeCount() != 1 {
		t.Errorf("output closed %d times, want 1", f.out.closeCount())
	}

	var statuses []Status
	for _, e := range drain() {
		if se, ok := e.(StatusEvent); ok {
			statuses = append(statuses, se.Status)
		}
	}
	want := []Status{StatusConnecting, StatusConnected, StatusDisconnected}
	if len(statuses) != len(want) {
		t.Fatalf("status transitions = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, statuses[i], want[i])
		}
	}
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.ctrl.Stop()

	if err := f.ctrl.Start(context.Background()); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}

func TestStartAfterStopFails(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.ctrl.Stop()

	if err := f.ctrl.Start(context.Background()); err == nil {
		t.Fatal("Start after Stop succeeded, want error")
	}
	if f.tr.dialCount() != 1 {
		t.Errorf("transport dialed %d times, want 1", f.tr.dialCount())
	}
}

func TestStopBeforeStartPreventsStart(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Stop()

	if err := f.ctrl.Start(context.Background()); err == nil {
		t.Fatal("Start on a stopped controller succeeded, want error")
	}
	if f.tr.dialCount() != 0 {
		t.Errorf("transport dialed %d times, want 0", f.tr.dialCount())
	}
	if f.mic.closeCount() != 0 {
		t.Errorf("microphone closed %d times before ever opening", f.mic.closeCount())
	}
}

func TestContextExpiryEndsSession(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := f.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-f.ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session still running after its context expired")
	}

	if got := f.ctrl.Status(); got != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", got)
	}
	if f.mic.closeCount() != 1 || f.conn.closeCount() != 1 || f.out.closeCount() != 1 {
		t.Errorf("close counts mic=%d conn=%d out=%d, want 1 each",
			f.mic.closeCount(), f.conn.closeCount(), f.out.closeCount())
	}
}

func TestStartConnectFailure(t *testing.T) {
	connectErr := errors.New("dial refused")
	ctrl, err := NewController(Config{
		Transport: &stubTransport{err: connectErr},
		Devices:   &stubDevices{mic: newStubMic(), out: &stubOutput{}},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	err = ctrl.Start(context.Background())
	if err == nil {
		t.Fatal("Start succeeded, want error")
	}
	if !errors.Is(err, connectErr) {
		t.Errorf("error %v does not wrap the dial failure", err)
	}
	if got := ctrl.Status(); got != StatusError {
		t.Errorf("status = %v, want error", got)
	}
}

func TestStartMicFailureClosesConn(t *testing.T) {
	conn := newStubConn()
	micErr := errors.New("device busy")
	ctrl, err := NewController(Config{
		Transport: &stubTransport{conn: conn},
		Devices:   &stubDevices{mic: newStubMic(), out: &stubOutput{}, micErr: micErr},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	err = ctrl.Start(context.Background())
	var acqErr *AcquisitionError
	if !errors.As(err, &acqErr) {
		t.Fatalf("error = %v, want AcquisitionError", err)
	}
	if acqErr.Device != "microphone" {
		t.Errorf("device = %q, want microphone", acqErr.Device)
	}
	if conn.closeCount() != 1 {
		t.Errorf("connection closed %d times, want 1", conn.closeCount())
	}
}

func TestStartOutputFailureClosesMicAndConn(t *testing.T) {
	conn := newStubConn()
	mic := newStubMic()
	ctrl, err := NewController(Config{
		Transport: &stubTransport{conn: conn},
		Devices:   &stubDevices{mic: mic, out: &stubOutput{}, outErr: errors.New("no device")},
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if err := ctrl.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded, want error")
	}
	if mic.closeCount() != 1 {
		t.Errorf("microphone closed %d times, want 1", mic.closeCount())
	}
	if conn.closeCount() != 1 {
		t.Errorf("connection closed %d times, want 1", conn.closeCount())
	}
}

func TestCapturedFramesAreSentInOrder(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.ctrl.Stop()

	frames := [][]float32{{0.1, 0.2}, {0.3, 0.4}, {0.5, 0.6}}
	for _, frame := range frames {
		f.mic.frames <- frame
	}
	waitFor(t, "frames sent", func() bool { return f.conn.sentCount() == len(frames) })

	f.conn.mu.Lock()
	defer f.conn.mu.Unlock()
	for i, frame := range frames {
		want := audio.ToWireFrame(frame)
		if f.conn.sent[i].Data != want.Data {
			t.Errorf("frame %d payload mismatch", i)
		}
		if f.conn.sent[i].MIMEType != audio.InputMIMEType {
			t.Errorf("frame %d mime = %q", i, f.conn.sent[i].MIMEType)
		}
	}
}

func TestMalformedAudioChunkDoesNotKillSession(t *testing.T) {
	f := newFixture(t)
	drain := collectEvents(f.ctrl)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.conn.messages <- ServerMessage{Audio: &audio.MediaPayload{Data: "not base64!!!"}}
	f.conn.messages <- ServerMessage{Audio: &audio.MediaPayload{
		Data: audio.ToWireFrame([]float32{0.5, -0.5}).Data,
	}}
	waitFor(t, "valid chunk scheduled", func() bool { return f.out.startCount() == 1 })

	if got := f.ctrl.Status(); got != StatusConnected {
		t.Fatalf("status = %v, want connected after malformed chunk", got)
	}
	f.ctrl.Stop()

	var formatErrs int
	for _, e := range drain() {
		ee, ok := e.(ErrorEvent)
		if !ok {
			continue
		}
		var fe *audio.FormatError
		if errors.As(ee.Err, &fe) {
			if ee.Terminal {
				t.Error("format error reported as terminal")
			}
			formatErrs++
		}
	}
	if formatErrs != 1 {
		t.Errorf("format error events = %d, want 1", formatErrs)
	}
}

func TestInterruptedMessageFlushesPlayback(t *testing.T) {
	f := newFixture(t)
	drain := collectEvents(f.ctrl)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.conn.messages <- ServerMessage{Audio: &audio.MediaPayload{
		Data: audio.ToWireFrame(make([]float32, audio.OutputSampleRate)).Data,
	}}
	waitFor(t, "chunk scheduled", func() bool { return f.out.startCount() == 1 })

	f.conn.messages <- ServerMessage{Interrupted: true}

	// The next chunk restarts playback from the beginning of the timeline.
	f.conn.messages <- ServerMessage{Audio: &audio.MediaPayload{
		Data: audio.ToWireFrame([]float32{0.1}).Data,
	}}
	waitFor(t, "chunk after interrupt", func() bool { return f.out.startCount() == 2 })
	f.out.mu.Lock()
	restart := f.out.starts[1]
	f.out.mu.Unlock()
	if restart != 0 {
		t.Errorf("post-interrupt start = %v, want 0", restart)
	}

	f.ctrl.Stop()

	var interrupted int
	for _, e := range drain() {
		if _, ok := e.(InterruptedEvent); ok {
			interrupted++
		}
	}
	if interrupted != 1 {
		t.Errorf("interrupted events = %d, want 1", interrupted)
	}
}

func TestTranscriptFlushOnTurnComplete(t *testing.T) {
	f := newFixture(t)
	drain := collectEvents(f.ctrl)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.conn.messages <- ServerMessage{InputTranscription: "what is "}
	f.conn.messages <- ServerMessage{InputTranscription: "the weather"}
	f.conn.messages <- ServerMessage{OutputTranscription: "it is sunny"}
	f.conn.messages <- ServerMessage{TurnComplete: true}
	waitFor(t, "history", func() bool { return len(f.ctrl.History()) == 2 })

	f.ctrl.Stop()

	var items []transcript.Item
	for _, e := range drain() {
		if te, ok := e.(TranscriptEvent); ok {
			items = append(items, te.Items...)
		}
	}
	if len(items) != 2 {
		t.Fatalf("transcript items = %d, want 2", len(items))
	}
	if items[0].Type != transcript.TypeUser || items[0].Text != "what is the weather" {
		t.Errorf("item 0 = %+v", items[0])
	}
	if items[1].Type != transcript.TypeModel || items[1].Text != "it is sunny" {
		t.Errorf("item 1 = %+v", items[1])
	}
}

func TestTransportFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	drain := collectEvents(f.ctrl)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.conn.failWith(errors.New("connection reset"))
	<-f.ctrl.Done()

	if got := f.ctrl.Status(); got != StatusError {
		t.Errorf("status = %v, want error", got)
	}
	if f.mic.closeCount() != 1 {
		t.Errorf("microphone closed %d times, want 1", f.mic.closeCount())
	}
	if f.out.closeCount() != 1 {
		t.Errorf("output closed %d times, want 1", f.out.closeCount())
	}

	var terminal int
	for _, e := range drain() {
		if ee, ok := e.(ErrorEvent); ok && ee.Terminal {
			var te *TransportError
			if !errors.As(ee.Err, &te) {
				t.Errorf("terminal error = %v, want TransportError", ee.Err)
			}
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal error events = %d, want 1", terminal)
	}
}

func TestCleanServerCloseIsNotAnError(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.conn.failWith(nil)
	<-f.ctrl.Done()

	if got := f.ctrl.Status(); got != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", got)
	}
}

func TestSendFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.conn.mu.Lock()
	f.conn.sendErr = errors.New("broken pipe")
	f.conn.mu.Unlock()

	f.mic.frames <- []float32{0.1}
	<-f.ctrl.Done()

	if got := f.ctrl.Status(); got != StatusError {
		t.Errorf("status = %v, want error", got)
	}
}

func TestListeningFollowsAmplitude(t *testing.T) {
	f := newFixture(t)
	drain := collectEvents(f.ctrl)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.mic.frames <- []float32{0.001, 0.001} // below threshold
	f.mic.frames <- []float32{0.5, 0.5}     // speech level
	f.mic.frames <- []float32{0.5, 0.5}     // no transition
	f.mic.frames <- []float32{0.0, 0.0}     // silence again
	waitFor(t, "frames sent", func() bool { return f.conn.sentCount() == 4 })

	f.ctrl.Stop()

	var transitions []bool
	for _, e := range drain() {
		if le, ok := e.(ListeningEvent); ok {
			transitions = append(transitions, le.Listening)
		}
	}
	want := []bool{true, false}
	if len(transitions) != len(want) {
		t.Fatalf("listening transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.ctrl.Stop()
	f.ctrl.Stop()

	if f.mic.closeCount() != 1 || f.conn.closeCount() != 1 || f.out.closeCount() != 1 {
		t.Errorf("close counts mic=%d conn=%d out=%d, want 1 each",
			f.mic.closeCount(), f.conn.closeCount(), f.out.closeCount())
	}
}
