package live

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocalis-dev/vocalis/pkg/audio"
	"github.com/vocalis-dev/vocalis/pkg/gateway/live/protocol"
	"github.com/vocalis-dev/vocalis/pkg/playback"
	"github.com/vocalis-dev/vocalis/pkg/session"
)

const micFrameBuffer = 256

// wsMicrophone adapts browser audio_frame messages into the microphone
// interface the session controller consumes.
type wsMicrophone struct {
	frames chan []float32

	mu     sync.RWMutex
	closed bool
}

func newWSMicrophone() *wsMicrophone {
	return &wsMicrophone{frames: make(chan []float32, micFrameBuffer)}
}

func (m *wsMicrophone) Frames() <-chan []float32 {
	return m.frames
}

// push queues one decoded frame. Frames are dropped when the session is not
// draining fast enough; stale audio is worse than lost audio here.
func (m *wsMicrophone) push(samples []float32) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.frames <- samples:
	default:
	}
}

func (m *wsMicrophone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.frames)
	}
	return nil
}

// wsOutput relays assistant audio to the browser and tracks playback time on
// a virtual clock: a chunk is "done" when the playback timeline says the
// client has finished rendering it.
type wsOutput struct {
	send  func(protocol.ServerAssistantAudioChunk) error
	epoch time.Time
	seq   atomic.Int64
}

func newWSOutput(send func(protocol.ServerAssistantAudioChunk) error) *wsOutput {
	return &wsOutput{send: send, epoch: time.Now()}
}

func (o *wsOutput) Now() time.Duration {
	return time.Since(o.epoch)
}

func (o *wsOutput) Start(chunk audio.Chunk, at time.Duration) (playback.Handle, error) {
	msg := protocol.ServerAssistantAudioChunk{
		Type:    "assistant_audio_chunk",
		Seq:     o.seq.Add(1),
		DataB64: audio.EncodeWire(audio.EncodePCM(chunk.Samples)),
	}
	if err := o.send(msg); err != nil {
		return nil, err
	}

	h := &timedHandle{done: make(chan struct{})}
	h.timer = time.AfterFunc(at+chunk.Duration()-o.Now(), h.finish)
	return h, nil
}

func (o *wsOutput) Close() error { return nil }

type timedHandle struct {
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
}

func (h *timedHandle) Done() <-chan struct{} { return h.done }

func (h *timedHandle) Stop() {
	h.timer.Stop()
	h.finish()
}

func (h *timedHandle) finish() {
	h.once.Do(func() { close(h.done) })
}

// wsDevices satisfies session.Devices with the per-connection adapters.
type wsDevices struct {
	mic *wsMicrophone
	out *wsOutput
}

func (d wsDevices) OpenMicrophone(sampleRate int) (session.Microphone, error) {
	return d.mic, nil
}

func (d wsDevices) OpenOutput(sampleRate int) (session.Output, error) {
	return d.out, nil
}
