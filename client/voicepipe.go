package client

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cm21968/LilyPad/audioio"
	"github.com/cm21968/LilyPad/protocol"
	"github.com/cm21968/LilyPad/voice"
)

const voiceRecvTimeout = 20 * time.Millisecond

// captureDevice and playbackDevice are the slices of the audio layer the
// pipeline needs; tests substitute fakes.
type captureDevice interface {
	Read() ([]float32, error)
	Close()
}

type playbackDevice interface {
	Write([]float32) error
	Close()
}

// peerStream is one remote speaker: its decoder and jitter buffer.
type peerStream struct {
	dec *voice.Decoder
	buf *voice.JitterBuffer
}

// VoicePipeline runs the three voice tasks: capture→gate→encode→send,
// receive→decode→jitter, and jitter→mix→playback. Each codec handle is
// owned by the one task driving it.
type VoicePipeline struct {
	c   *Connection
	log *slog.Logger

	active atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	capture  captureDevice
	playback playbackDevice
	encoder  *voice.Encoder
	gate     *voice.NoiseGate

	peersMu sync.Mutex
	peers   map[uint32]*peerStream

	sysMu  sync.Mutex
	sysDec *voice.Decoder
	sysBuf *voice.JitterBuffer

	seq uint32

	// Transmit gate inputs.
	Muted      atomic.Bool
	PTTEnabled atomic.Bool
	PTTHeld    atomic.Bool
	Denoise    atomic.Bool

	// Factories, swappable for tests.
	openCapture  func(index int) (captureDevice, error)
	openPlayback func(index int) (playbackDevice, error)
}

func newVoicePipeline(c *Connection) *VoicePipeline {
	v := &VoicePipeline{
		c:     c,
		log:   slog.With("component", "voice"),
		peers: make(map[uint32]*peerStream),
		openCapture: func(index int) (captureDevice, error) {
			return audioio.OpenCapture(index)
		},
		openPlayback: func(index int) (playbackDevice, error) {
			return audioio.OpenPlayback(index)
		},
	}
	v.Denoise.Store(true)
	return v
}

// Join opens the audio devices and codec, starts the three tasks, and
// announces voice membership. Device or codec failures abort the join
// and surface a system message.
func (v *VoicePipeline) Join() error {
	if v.c.ConnState() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	if !v.active.CompareAndSwap(false, true) {
		return nil
	}

	enc, err := voice.NewEncoder()
	if err != nil {
		v.active.Store(false)
		v.c.State.SystemMessage("Voice unavailable: encoder init failed")
		return err
	}
	capture, err := v.openCapture(v.c.cfg.CaptureDevice)
	if err != nil {
		v.active.Store(false)
		v.c.State.SystemMessage("Voice unavailable: microphone open failed")
		return err
	}
	playback, err := v.openPlayback(v.c.cfg.PlaybackDevice)
	if err != nil {
		capture.Close()
		v.active.Store(false)
		v.c.State.SystemMessage("Voice unavailable: speaker open failed")
		return err
	}

	v.encoder = enc
	v.capture = capture
	v.playback = playback
	v.gate = voice.NewNoiseGate()
	v.stopCh = make(chan struct{})

	if err := v.c.send(protocol.MakeVoiceJoin()); err != nil {
		v.stop()
		return err
	}

	v.wg.Add(3)
	go v.sendLoop()
	go v.recvLoop()
	go v.playLoop()
	v.log.Info("voice joined")
	return nil
}

// Leave announces departure and stops the tasks.
func (v *VoicePipeline) Leave() {
	if !v.active.Load() {
		return
	}
	_ = v.c.send(protocol.MakeVoiceLeave())
	v.stop()
	v.log.Info("voice left")
}

// stop ends the tasks and releases devices and codec handles. Also used
// by Disconnect teardown.
func (v *VoicePipeline) stop() {
	if !v.active.CompareAndSwap(true, false) {
		return
	}
	close(v.stopCh)
	if v.capture != nil {
		v.capture.Close()
	}
	if v.playback != nil {
		v.playback.Close()
	}
	v.wg.Wait()
	v.capture = nil
	v.playback = nil
	v.encoder = nil

	v.peersMu.Lock()
	v.peers = make(map[uint32]*peerStream)
	v.peersMu.Unlock()

	v.sysMu.Lock()
	v.sysDec = nil
	v.sysBuf = nil
	v.sysMu.Unlock()
}

// transmitting applies the transmit gate: not muted, and either PTT is
// off or the key is held.
func (v *VoicePipeline) transmitting() bool {
	if v.Muted.Load() {
		return false
	}
	if v.PTTEnabled.Load() {
		return v.PTTHeld.Load()
	}
	return true
}

// sendLoop paces at the capture device: read one 20 ms frame, gate,
// encode, emit one datagram.
func (v *VoicePipeline) sendLoop() {
	defer v.wg.Done()
	for {
		select {
		case <-v.stopCh:
			return
		default:
		}

		frame, err := v.capture.Read()
		if err != nil {
			if !errors.Is(err, audioio.ErrClosed) {
				v.log.Warn("capture read failed", "error", err)
			}
			return
		}
		if v.Denoise.Load() {
			frame = v.gate.Process(frame)
		}
		if !v.transmitting() {
			continue
		}

		packet, err := v.encoder.Encode(frame)
		if err != nil {
			// One failed encode recovers on the next frame.
			continue
		}
		pkt := protocol.VoicePacket{ClientID: v.c.clientID, Sequence: v.seq, Opus: packet}
		v.seq++
		if v.c.udp != nil && v.c.serverUDP != nil {
			_ = v.c.udp.SendTo(pkt.Bytes(), v.c.serverUDP)
		}
	}
}

// recvLoop drains the voice socket: decode each datagram and push the
// frame into the sender's jitter buffer.
func (v *VoicePipeline) recvLoop() {
	defer v.wg.Done()
	buf := make([]byte, protocol.MaxVoicePacket)

	for {
		select {
		case <-v.stopCh:
			return
		default:
		}
		udp := v.c.udp
		if udp == nil {
			return
		}

		n, _, ok, err := udp.RecvFrom(buf, voiceRecvTimeout)
		if err != nil {
			return
		}
		if !ok || n < protocol.VoiceHeaderSize {
			continue
		}
		pkt, err := protocol.ParseVoicePacket(buf[:n])
		if err != nil || pkt.ClientID == v.c.clientID {
			continue
		}

		v.peersMu.Lock()
		peer, exists := v.peers[pkt.ClientID]
		if !exists {
			dec, derr := voice.NewDecoder()
			if derr != nil {
				v.peersMu.Unlock()
				continue
			}
			peer = &peerStream{dec: dec, buf: voice.NewJitterBuffer()}
			v.peers[pkt.ClientID] = peer
		}
		v.peersMu.Unlock()

		// Decode outside the peers lock; the decoder is driven only by
		// this task.
		pcm, err := peer.dec.Decode(pkt.Opus)
		if err != nil {
			continue
		}
		v.peersMu.Lock()
		peer.buf.Push(pcm)
		v.peersMu.Unlock()

		v.c.State.NoteVoicePacket(pkt.ClientID)
	}
}

// playLoop mixes one frame per 20 ms cycle, paced by the blocking
// playback write.
func (v *VoicePipeline) playLoop() {
	defer v.wg.Done()
	for {
		select {
		case <-v.stopCh:
			return
		default:
		}

		mix := voice.Silence()

		v.peersMu.Lock()
		for id, peer := range v.peers {
			frame := peer.buf.Pop(peer.dec.PLC)
			if frame == nil {
				continue
			}
			vol := v.c.State.Volume(id)
			for i := range mix {
				mix[i] += frame[i] * vol
			}
		}
		v.peersMu.Unlock()

		v.sysMu.Lock()
		if v.sysBuf != nil {
			frame := v.sysBuf.Pop(v.sysDec.PLC)
			if frame != nil {
				vol := v.c.State.StreamVolume()
				for i := range mix {
					mix[i] += frame[i] * vol
				}
			}
		}
		v.sysMu.Unlock()

		clampFrame(mix)
		if err := v.playback.Write(mix); err != nil {
			return
		}
	}
}

// onSystemAudio handles a SCREEN_AUDIO relay: decoded system audio joins
// the mix through its own jitter buffer.
func (v *VoicePipeline) onSystemAudio(opusData []byte) {
	if !v.active.Load() {
		return
	}
	v.sysMu.Lock()
	defer v.sysMu.Unlock()
	if v.sysDec == nil {
		dec, err := voice.NewDecoder()
		if err != nil {
			return
		}
		v.sysDec = dec
		v.sysBuf = voice.NewJitterBuffer()
	}
	pcm, err := v.sysDec.Decode(opusData)
	if err != nil {
		return
	}
	v.sysBuf.Push(pcm)
}

// removePeer drops a departed peer's decoder and jitter buffer.
func (v *VoicePipeline) removePeer(id uint32) {
	v.peersMu.Lock()
	delete(v.peers, id)
	v.peersMu.Unlock()
}

// clampFrame limits the mix to [-1, 1].
func clampFrame(frame []float32) {
	for i, s := range frame {
		if s > 1 {
			frame[i] = 1
		} else if s < -1 {
			frame[i] = -1
		}
	}
}
