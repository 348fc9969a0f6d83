// Package device provides local microphone and speaker implementations of
// the session device interfaces, backed by malgo for capture and oto for
// playback.
package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/vocalis-dev/vocalis/pkg/session"
)

// Devices opens host audio hardware. Close releases the underlying audio
// context after all opened devices are closed.
type Devices struct {
	ctx *malgo.AllocatedContext

	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
}

// New initializes the host audio backend.
func New() (*Devices, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("device: init audio context: %w", err)
	}
	return &Devices{ctx: ctx}, nil
}

// OpenMicrophone starts mono S16 capture at the given rate.
func (d *Devices) OpenMicrophone(sampleRate int) (session.Microphone, error) {
	return newMicrophone(d.ctx.Context, sampleRate)
}

// OpenOutput opens the mono S16 playback device at the given rate. The oto
// context is process-wide and initialized on first use.
func (d *Devices) OpenOutput(sampleRate int) (session.Output, error) {
	d.otoOnce.Do(func() {
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			// 100ms buffer keeps latency low without starving the device.
			BufferSize: 100 * time.Millisecond,
		})
		if err != nil {
			d.otoErr = fmt.Errorf("device: init speaker: %w", err)
			return
		}
		<-ready
		d.otoCtx = otoCtx
	})
	if d.otoErr != nil {
		return nil, d.otoErr
	}
	return newSpeaker(d.otoCtx, sampleRate), nil
}

// Close releases the capture context.
func (d *Devices) Close() error {
	if err := d.ctx.Uninit(); err != nil {
		return fmt.Errorf("device: uninit audio context: %w", err)
	}
	d.ctx.Free()
	return nil
}
