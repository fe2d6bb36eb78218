// Package audioio wraps the system audio devices with a blocking
// frame-at-a-time API: 48 kHz mono float PCM in 20 ms chunks. Devices are
// selected by enumeration index; -1 means the system default.
package audioio

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// Frame format shared with the voice pipeline.
const (
	SampleRate = 48000
	Channels   = 1
	FrameSize  = 960 // 20 ms
)

// DefaultDevice selects the OS default device.
const DefaultDevice = -1

// ErrClosed is returned from Read/Write after Close.
var ErrClosed = errors.New("audioio: device closed")

// DeviceInfo describes one enumerable device.
type DeviceInfo struct {
	Index int
	Name  string
}

// context is shared across all open devices in the process.
var (
	ctxOnce sync.Once
	ctxErr  error
	mCtx    *malgo.AllocatedContext
)

func audioContext() (*malgo.AllocatedContext, error) {
	ctxOnce.Do(func() {
		mCtx, ctxErr = malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
			slog.Debug("malgo", "message", message)
		})
	})
	return mCtx, ctxErr
}

// CaptureDevices lists the capture devices in index order.
func CaptureDevices() ([]DeviceInfo, error) {
	return listDevices(malgo.Capture)
}

// PlaybackDevices lists the playback devices in index order.
func PlaybackDevices() ([]DeviceInfo, error) {
	return listDevices(malgo.Playback)
}

func listDevices(kind malgo.DeviceType) ([]DeviceInfo, error) {
	ctx, err := audioContext()
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}
	infos, err := ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	out := make([]DeviceInfo, len(infos))
	for i, d := range infos {
		out[i] = DeviceInfo{Index: i, Name: d.Name()}
	}
	return out, nil
}

func deviceID(kind malgo.DeviceType, index int) (*malgo.DeviceID, error) {
	if index == DefaultDevice {
		return nil, nil
	}
	ctx, err := audioContext()
	if err != nil {
		return nil, err
	}
	infos, err := ctx.Devices(kind)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(infos) {
		return nil, fmt.Errorf("audioio: device index %d out of range (%d devices)", index, len(infos))
	}
	id := infos[index].ID
	return &id, nil
}

// frameChunker accumulates callback samples into full 20 ms frames.
type frameChunker struct {
	pending []float32
	out     chan []float32
}

func newFrameChunker() *frameChunker {
	return &frameChunker{out: make(chan []float32, 16)}
}

func (c *frameChunker) feed(samples []float32) {
	c.pending = append(c.pending, samples...)
	for len(c.pending) >= FrameSize {
		frame := make([]float32, FrameSize)
		copy(frame, c.pending[:FrameSize])
		c.pending = c.pending[FrameSize:]
		select {
		case c.out <- frame:
		default:
			// Reader stalled; shed the oldest frame.
			select {
			case <-c.out:
			default:
			}
			c.out <- frame
		}
	}
}

func bytesToFloat32(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func float32ToBytes(samples []float32, dst []byte) {
	for i, s := range samples {
		bits := math.Float32bits(s)
		dst[4*i] = byte(bits)
		dst[4*i+1] = byte(bits >> 8)
		dst[4*i+2] = byte(bits >> 16)
		dst[4*i+3] = byte(bits >> 24)
	}
}
