package device

import (
	"errors"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vocalis-dev/vocalis/pkg/audio"
	"github.com/vocalis-dev/vocalis/pkg/playback"
)

// speaker implements session.Output over an oto pull-mode player. The
// playback clock advances as oto drains the buffer, so scheduled chunks line
// up with what the hardware has actually rendered.
type speaker struct {
	ctx *oto.Context
	cfg audio.Config

	mu      sync.Mutex
	cond    *sync.Cond
	player  *oto.Player
	buf     []byte
	played  int64
	playing bool
	closed  bool
}

func newSpeaker(ctx *oto.Context, sampleRate int) *speaker {
	cfg := audio.Config{SampleRate: sampleRate, Channels: 1, BitsPerSample: 16}
	s := &speaker{
		ctx: ctx,
		cfg: cfg,
		buf: make([]byte, 0, cfg.BytesForDurationMs(2000)),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Now reports the playback clock: the duration of audio the device has
// pulled so far.
func (s *speaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesDuration(s.played)
}

func (s *speaker) bytesDuration(n int64) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(s.cfg.BytesPerSecond())
}

// Start queues a chunk for playback. The returned handle completes when the
// playback timeline reaches the chunk's end.
func (s *speaker) Start(chunk audio.Chunk, at time.Duration) (playback.Handle, error) {
	pcm := audio.EncodePCM(chunk.Samples)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("device: speaker is closed")
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.ctx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	s.mu.Unlock()

	h := &speakerHandle{speaker: s, done: make(chan struct{})}
	h.timer = time.AfterFunc(at+chunk.Duration()-s.Now(), h.finish)
	return h, nil
}

// Read is the oto pull callback.
func (s *speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		// Feed silence so oto drains gracefully.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.played += int64(n)
	return n, nil
}

// flush discards everything buffered and resets the player so stale audio
// cannot bleed into the next utterance.
func (s *speaker) flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player == nil || !s.playing {
		s.mu.Unlock()
		return
	}
	s.playing = false
	player := s.player
	s.player = nil
	s.mu.Unlock()

	player.Pause()
	player.Reset()
	player.Close()
}

func (s *speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		player.Close()
	}
	return nil
}

type speakerHandle struct {
	speaker *speaker
	timer   *time.Timer
	done    chan struct{}
	once    sync.Once
}

func (h *speakerHandle) Done() <-chan struct{} { return h.done }

// Stop flushes the speaker; stopping one handle means an interruption, so
// everything buffered goes with it.
func (h *speakerHandle) Stop() {
	h.timer.Stop()
	h.speaker.flush()
	h.finish()
}

func (h *speakerHandle) finish() {
	h.once.Do(func() { close(h.done) })
}
