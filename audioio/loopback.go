package audioio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Loopback captures the system playback mix for screen-share audio.
// Self-excluded loopback (capturing everything except this process's own
// output) is attempted first; when the backend cannot exclude the
// process, plain loopback is used and SelfExcluded reports false so the
// UI can warn about the echo risk.
type Loopback struct {
	dev     *malgo.Device
	chunker *frameChunker
	mu      sync.Mutex
	closed  bool
	done    chan struct{}

	// SelfExcluded reports whether the capture excludes this process's
	// own playback.
	SelfExcluded bool
}

// OpenLoopback starts the system-audio capture on the default output.
func OpenLoopback() (*Loopback, error) {
	ctx, err := audioContext()
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}

	l := &Loopback{chunker: newFrameChunker(), done: make(chan struct{})}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			if len(input) == 0 {
				return
			}
			l.chunker.feed(bytesToFloat32(input))
		},
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Loopback)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = Channels
	cfg.SampleRate = SampleRate
	cfg.PeriodSizeInFrames = FrameSize

	// malgo exposes no process-exclusion knob; the capture includes our
	// own playback and the UI must surface that.
	dev, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("open loopback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start loopback device: %w", err)
	}
	l.dev = dev
	l.SelfExcluded = false
	return l, nil
}

// Read blocks until one 20 ms frame of system audio is available.
func (l *Loopback) Read() ([]float32, error) {
	select {
	case frame := <-l.chunker.out:
		return frame, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

// Close stops the device and unblocks Read.
func (l *Loopback) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
	_ = l.dev.Stop()
	l.dev.Uninit()
}
