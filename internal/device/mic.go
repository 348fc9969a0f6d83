package device

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vocalis-dev/vocalis/pkg/audio"
)

const micFrameBuffer = 64

// microphone captures mono S16 audio and delivers 20ms frames as float
// samples.
type microphone struct {
	device *malgo.Device
	frames chan []float32

	mu     sync.Mutex
	closed bool
}

func newMicrophone(ctx malgo.Context, sampleRate int) (*microphone, error) {
	m := &microphone{frames: make(chan []float32, micFrameBuffer)}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.push(audio.DecodePCM(input))
		},
	}

	device, err := malgo.InitDevice(ctx, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("device: init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("device: start microphone: %w", err)
	}
	m.device = device
	return m, nil
}

func (m *microphone) Frames() <-chan []float32 {
	return m.frames
}

// push delivers one captured frame. Frames are dropped rather than blocking
// the capture callback.
func (m *microphone) push(samples []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.frames <- samples:
	default:
	}
}

func (m *microphone) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
	}

	m.mu.Lock()
	close(m.frames)
	m.mu.Unlock()
	return nil
}
