// Package voice holds the Opus codec wrappers, the per-peer jitter
// buffer, and the transmit-side noise gate. All audio is 48 kHz mono
// float PCM in 20 ms frames of exactly 960 samples.
package voice

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Audio format constants.
const (
	SampleRate = 48000
	Channels   = 1
	FrameSize  = 960 // 20 ms at 48 kHz
	Bitrate    = 64000
	MaxPacket  = 4000
)

// Encoder encodes one 960-sample frame at a time.
type Encoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewEncoder creates a VoIP-profile encoder at the fixed voice format.
func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(Bitrate); err != nil {
		return nil, fmt.Errorf("set opus bitrate: %w", err)
	}
	return &Encoder{enc: enc, buf: make([]byte, MaxPacket)}, nil
}

// Encode consumes exactly one frame of PCM in [-1,1] and returns the Opus
// packet. The returned slice is only valid until the next Encode call.
func (e *Encoder) Encode(pcm []float32) ([]byte, error) {
	if len(pcm) != FrameSize {
		return nil, fmt.Errorf("encode: frame size %d, want %d", len(pcm), FrameSize)
	}
	n, err := e.enc.EncodeFloat32(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return e.buf[:n], nil
}

// Decoder decodes one Opus packet at a time and synthesizes PLC frames.
type Decoder struct {
	dec *opus.Decoder
}

// NewDecoder creates a decoder at the fixed voice format.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode consumes one packet and returns one frame of PCM.
func (d *Decoder) Decode(packet []byte) ([]float32, error) {
	pcm := make([]float32, FrameSize)
	n, err := d.dec.DecodeFloat32(packet, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	if n < FrameSize {
		// Short decode: pad with silence rather than shrink the frame.
		for i := n; i < FrameSize; i++ {
			pcm[i] = 0
		}
	}
	return pcm, nil
}

// PLC synthesizes one concealment frame for a missing packet. A failing
// concealment call yields silence, never an error.
func (d *Decoder) PLC() []float32 {
	pcm := make([]float32, FrameSize)
	if err := d.dec.DecodePLCFloat32(pcm); err != nil {
		return make([]float32, FrameSize)
	}
	return pcm
}

// Silence returns one frame of zeros.
func Silence() []float32 { return make([]float32, FrameSize) }
