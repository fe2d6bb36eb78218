package video

import "errors"

// ErrUnsupported is returned by the stub binding on platforms built
// without cgo/OpenH264.
var ErrUnsupported = errors.New("video: h264 codec not available in this build")

// EncodedFrame is one encoder output unit.
type EncodedFrame struct {
	Data     []byte
	Keyframe bool
}

// EncoderConfig sizes the encoder. Bitrate is bits per second; rate
// control is CBR at the target with peak capped at 1.5×.
type EncoderConfig struct {
	Width   int
	Height  int
	FPS     int
	Bitrate int
}

// Encoder is the H.264 screen encoder. The first output is always a
// keyframe; a forced IDR takes effect on the next produced output;
// keyframes are at most two seconds apart. Owned by a single goroutine.
type Encoder interface {
	// Encode consumes one I420 picture. A nil Data in the result means
	// the encoder produced no output for this input (skipped frame).
	Encode(frame *I420Frame, forceIDR bool) (EncodedFrame, error)
	// SetBitrate retargets the rate control mid-stream.
	SetBitrate(bps int) error
	Close()
}

// Decoder is the H.264 screen decoder. Non-keyframe input before the
// first keyframe is discarded; a mid-stream resolution change
// reconfigures the output surface without losing the driving keyframe.
// Owned by a single goroutine.
type Decoder interface {
	// Submit feeds one Annex-B access unit. It reports whether a new
	// picture became ready.
	Submit(data []byte, keyframe bool) (bool, error)
	// Present returns the most recent decoded picture, nil before the
	// first one.
	Present() *I420Frame
	Close()
}
