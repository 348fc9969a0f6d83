package live

import (
	"testing"
	"time"

	"github.com/vocalis-dev/vocalis/pkg/audio"
	"github.com/vocalis-dev/vocalis/pkg/gateway/live/protocol"
)

func TestWSMicrophonePushAndClose(t *testing.T) {
	mic := newWSMicrophone()

	mic.push([]float32{0.1})
	mic.push([]float32{0.2})

	frame := <-mic.Frames()
	if len(frame) != 1 || frame[0] != 0.1 {
		t.Errorf("frame = %v", frame)
	}

	if err := mic.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Second close and post-close pushes are no-ops.
	if err := mic.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	mic.push([]float32{0.3})

	var remaining int
	for range mic.Frames() {
		remaining++
	}
	if remaining != 1 {
		t.Errorf("drained %d frames after close, want 1", remaining)
	}
}

func TestWSMicrophoneDropsWhenFull(t *testing.T) {
	mic := newWSMicrophone()
	for i := 0; i < micFrameBuffer+10; i++ {
		mic.push([]float32{float32(i)})
	}
	if got := len(mic.frames); got != micFrameBuffer {
		t.Errorf("buffered %d frames, want %d", got, micFrameBuffer)
	}
}

func TestWSOutputSendsChunkAndPaces(t *testing.T) {
	sent := make(chan protocol.ServerAssistantAudioChunk, 4)
	out := newWSOutput(func(msg protocol.ServerAssistantAudioChunk) error {
		sent <- msg
		return nil
	})

	// 20ms of output-rate audio.
	samples := make([]float32, audio.OutputSampleRate/50)
	h, err := out.Start(audio.Chunk{Samples: samples, SampleRate: audio.OutputSampleRate}, out.Now())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	msg := <-sent
	if msg.Type != "assistant_audio_chunk" || msg.Seq != 1 {
		t.Errorf("chunk = %+v", msg)
	}
	pcm, err := audio.DecodeWire(msg.DataB64)
	if err != nil {
		t.Fatalf("chunk payload not base64: %v", err)
	}
	if len(pcm) != len(samples)*2 {
		t.Errorf("payload = %d bytes, want %d", len(pcm), len(samples)*2)
	}

	select {
	case <-h.Done():
		t.Fatal("handle done before playback duration elapsed")
	case <-time.After(5 * time.Millisecond):
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("handle never completed")
	}
}

func TestWSOutputStopFinishesHandle(t *testing.T) {
	out := newWSOutput(func(protocol.ServerAssistantAudioChunk) error { return nil })
	samples := make([]float32, audio.OutputSampleRate) // 1s
	h, err := out.Start(audio.Chunk{Samples: samples, SampleRate: audio.OutputSampleRate}, out.Now())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Stop()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("stopped handle never reported done")
	}
}

func TestWSOutputSequencesChunks(t *testing.T) {
	var seqs []int64
	out := newWSOutput(func(msg protocol.ServerAssistantAudioChunk) error {
		seqs = append(seqs, msg.Seq)
		return nil
	})
	for i := 0; i < 3; i++ {
		if _, err := out.Start(audio.Chunk{Samples: []float32{0}, SampleRate: audio.OutputSampleRate}, 0); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Errorf("seq[%d] = %d, want %d", i, seq, i+1)
		}
	}
}
