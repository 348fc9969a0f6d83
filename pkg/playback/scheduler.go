package playback

import (
	"sync"
	"time"

	"github.com/vocalis-dev/vocalis/pkg/audio"
)

// Output is the host audio output device. Now is the device's monotonic
// output clock; Start begins playback of a chunk at the given clock time.
type Output interface {
	Now() time.Duration
	Start(chunk audio.Chunk, at time.Duration) (Handle, error)
}

// Handle is one in-flight playback. Done is closed when the chunk finishes
// naturally; Stop halts it immediately.
type Handle interface {
	Done() <-chan struct{}
	Stop()
}

// Scheduler owns the playback cursor and the set of currently playing
// handles. Chunks are started in Schedule order and never overlap the
// preceding chunk unless an interruption resets the cursor.
type Scheduler struct {
	out Output

	mu       sync.Mutex
	cursor   time.Duration
	active   map[uint64]Handle
	nextID   uint64
	speaking bool

	onSpeaking func(bool)
}

// NewScheduler creates a scheduler over the given output device.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{
		out:    out,
		active: make(map[uint64]Handle),
	}
}

// SetSpeakingFunc registers a callback invoked with true when the active set
// becomes non-empty and with false exactly when it empties again. Must be
// called before the first Schedule.
func (s *Scheduler) SetSpeakingFunc(fn func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpeaking = fn
}

// Schedule queues one decoded chunk for back-to-back playback. The chunk
// starts at max(cursor, output clock now) and the cursor advances by the
// chunk's duration.
func (s *Scheduler) Schedule(chunk audio.Chunk) error {
	s.mu.Lock()

	start := s.cursor
	if now := s.out.Now(); now > start {
		start = now
	}
	s.cursor = start + chunk.Duration()

	h, err := s.out.Start(chunk, start)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	id := s.nextID
	s.nextID++
	s.active[id] = h

	becameSpeaking := !s.speaking
	s.speaking = true
	fn := s.onSpeaking
	s.mu.Unlock()

	if becameSpeaking && fn != nil {
		fn(true)
	}

	go s.watch(id, h)
	return nil
}

// watch removes the handle from the active set on natural completion.
func (s *Scheduler) watch(id uint64, h Handle) {
	<-h.Done()

	s.mu.Lock()
	if _, ok := s.active[id]; !ok {
		// Already removed by an interruption.
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	emptied := len(s.active) == 0 && s.speaking
	if emptied {
		s.speaking = false
	}
	fn := s.onSpeaking
	s.mu.Unlock()

	if emptied && fn != nil {
		fn(false)
	}
}

// Interrupt forcibly stops every active handle, clears the set, and resets
// the cursor to zero rather than the current clock, so the next scheduled
// chunk starts immediately.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	stopped := make([]Handle, 0, len(s.active))
	for _, h := range s.active {
		stopped = append(stopped, h)
	}
	s.active = make(map[uint64]Handle)
	s.cursor = 0
	wasSpeaking := s.speaking
	s.speaking = false
	fn := s.onSpeaking
	s.mu.Unlock()

	for _, h := range stopped {
		h.Stop()
	}
	if wasSpeaking && fn != nil {
		fn(false)
	}
}

// Speaking reports whether any scheduled chunk is still playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// ActiveCount returns the number of in-flight handles.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
