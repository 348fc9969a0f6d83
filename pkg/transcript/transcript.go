package transcript

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ItemType distinguishes who produced a history item.
type ItemType string

const (
	// TypeUser is speech transcribed from the microphone.
	TypeUser ItemType = "user"
	// TypeModel is speech synthesized by the model.
	TypeModel ItemType = "model"
)

// Item is one finished entry in the conversation history.
type Item struct {
	ID        string    `json:"id"`
	Type      ItemType  `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Accumulator buffers in-flight transcription fragments and maintains the
// finished conversation history. All methods are safe for concurrent use.
type Accumulator struct {
	mu      sync.Mutex
	input   strings.Builder
	output  strings.Builder
	history []Item
	now     func() time.Time
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{now: time.Now}
}

// AppendInput adds a fragment of transcribed user speech to the pending turn.
func (a *Accumulator) AppendInput(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.input.WriteString(text)
}

// AppendOutput adds a fragment of transcribed model speech to the pending turn.
func (a *Accumulator) AppendOutput(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.output.WriteString(text)
}

// Flush finalizes the pending turn. Buffered input text becomes a user item
// and buffered output text a model item, in that order; buffers that hold
// only whitespace produce no item. The returned slice contains the newly
// created items, already appended to the history, and both buffers are reset.
func (a *Accumulator) Flush() []Item {
	a.mu.Lock()
	defer a.mu.Unlock()

	var items []Item
	if text := strings.TrimSpace(a.input.String()); text != "" {
		items = append(items, a.newItem(TypeUser, text))
	}
	if text := strings.TrimSpace(a.output.String()); text != "" {
		items = append(items, a.newItem(TypeModel, text))
	}
	a.input.Reset()
	a.output.Reset()
	a.history = append(a.history, items...)
	return items
}

// ResetPending discards buffered fragments without touching the history.
func (a *Accumulator) ResetPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.input.Reset()
	a.output.Reset()
}

// History returns a copy of the finished items in flush order.
func (a *Accumulator) History() []Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Item, len(a.history))
	copy(out, a.history)
	return out
}

// PendingInput reports the buffered, not yet flushed user text.
func (a *Accumulator) PendingInput() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.input.String()
}

// PendingOutput reports the buffered, not yet flushed model text.
func (a *Accumulator) PendingOutput() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.output.String()
}

func (a *Accumulator) newItem(typ ItemType, text string) Item {
	ts := a.now()
	return Item{
		ID:        ulid.MustNew(ulid.Timestamp(ts), rand.Reader).String(),
		Type:      typ,
		Text:      text,
		Timestamp: ts,
	}
}
