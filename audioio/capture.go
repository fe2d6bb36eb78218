package audioio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Capture is a blocking microphone reader.
type Capture struct {
	dev     *malgo.Device
	chunker *frameChunker
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

// OpenCapture starts the capture device at the fixed voice format.
func OpenCapture(deviceIndex int) (*Capture, error) {
	ctx, err := audioContext()
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}
	id, err := deviceID(malgo.Capture, deviceIndex)
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = Channels
	cfg.SampleRate = SampleRate
	cfg.PeriodSizeInFrames = FrameSize
	if id != nil {
		cfg.Capture.DeviceID = id.Pointer()
	}

	c := &Capture{chunker: newFrameChunker(), done: make(chan struct{})}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			if len(input) == 0 {
				return
			}
			c.chunker.feed(bytesToFloat32(input))
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	c.dev = dev
	return c, nil
}

// Read blocks until one 20 ms frame is available.
func (c *Capture) Read() ([]float32, error) {
	select {
	case frame := <-c.chunker.out:
		return frame, nil
	case <-c.done:
		return nil, ErrClosed
	}
}

// Close stops the device and unblocks Read.
func (c *Capture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	_ = c.dev.Stop()
	c.dev.Uninit()
}
