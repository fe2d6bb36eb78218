package audioio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Playback is a blocking speaker writer. Write blocks at the device's
// consumption rate, which paces the caller's 20 ms mix loop.
type Playback struct {
	dev     *malgo.Device
	frames  chan []float32
	pending []float32
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

// OpenPlayback starts the playback device at the fixed voice format.
func OpenPlayback(deviceIndex int) (*Playback, error) {
	ctx, err := audioContext()
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}
	id, err := deviceID(malgo.Playback, deviceIndex)
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = Channels
	cfg.SampleRate = SampleRate
	cfg.PeriodSizeInFrames = FrameSize
	if id != nil {
		cfg.Playback.DeviceID = id.Pointer()
	}

	// Capacity 2 keeps one frame in flight while the mixer builds the
	// next; Write blocks beyond that, pacing the mix loop.
	p := &Playback{frames: make(chan []float32, 2), done: make(chan struct{})}
	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			p.fill(output)
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("open playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	p.dev = dev
	return p, nil
}

// fill drains queued frames into the device buffer, zero-filling when
// the mixer has fallen behind.
func (p *Playback) fill(out []byte) {
	needed := len(out) / 4
	filled := 0
	for filled < needed {
		if len(p.pending) == 0 {
			select {
			case frame := <-p.frames:
				p.pending = frame
			default:
			}
			if len(p.pending) == 0 {
				break
			}
		}
		n := len(p.pending)
		if n > needed-filled {
			n = needed - filled
		}
		float32ToBytes(p.pending[:n], out[filled*4:])
		p.pending = p.pending[n:]
		filled += n
	}
	for i := filled * 4; i < len(out); i++ {
		out[i] = 0
	}
}

// Write queues one mixed 20 ms frame, blocking at the device pace.
func (p *Playback) Write(frame []float32) error {
	select {
	case p.frames <- frame:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// Close stops the device and unblocks Write.
func (p *Playback) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	_ = p.dev.Stop()
	p.dev.Uninit()
}
