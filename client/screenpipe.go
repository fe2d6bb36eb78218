package client

import (
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbinani/screenshot"

	"github.com/cm21968/LilyPad/audioio"
	"github.com/cm21968/LilyPad/protocol"
	"github.com/cm21968/LilyPad/video"
	"github.com/cm21968/LilyPad/voice"
)

// Screen share tuning.
const (
	shareFPS     = 30
	shareBitrate = 4_000_000
)

type loopbackDevice interface {
	Read() ([]float32, error)
	Close()
}

// screenItem is one queued outbound share message.
type screenItem struct {
	data    []byte
	isAudio bool
}

// ScreenPipeline runs the share side (capture→encode→queue→send, plus
// the loopback audio task) and the watch side (receive→decode→publish).
type ScreenPipeline struct {
	c   *Connection
	log *slog.Logger

	// Share side.
	sharing  atomic.Bool
	forceKey atomic.Bool
	shareWG  sync.WaitGroup
	shareEnd chan struct{}

	queueMu   sync.Mutex
	queue     []screenItem
	queueWake chan struct{}
	videoQd   atomic.Bool // backpressure: a video frame is still queued

	// Watch side.
	watching atomic.Uint32 // sharer id, 0 when not watching
	recvMu   sync.Mutex
	recvEnd  chan struct{}
	recvWG   sync.WaitGroup

	frameMu   sync.Mutex
	pending   *protocol.ScreenFrame
	frameWake chan struct{}

	// Factories, swappable for tests.
	newEncoder   func(cfg video.EncoderConfig) (video.Encoder, error)
	newDecoder   func() (video.Decoder, error)
	captureShot  func() (*image.RGBA, error)
	openLoopback func() (loopbackDevice, error)
}

func newScreenPipeline(c *Connection) *ScreenPipeline {
	return &ScreenPipeline{
		c:          c,
		log:        slog.With("component", "screen"),
		queueWake:  make(chan struct{}, 1),
		frameWake:  make(chan struct{}, 1),
		newEncoder: video.NewEncoder,
		newDecoder: video.NewDecoder,
		captureShot: func() (*image.RGBA, error) {
			if screenshot.NumActiveDisplays() == 0 {
				return nil, errors.New("no active display")
			}
			return screenshot.CaptureRect(screenshot.GetDisplayBounds(0))
		},
		openLoopback: func() (loopbackDevice, error) {
			lb, err := audioio.OpenLoopback()
			if err != nil {
				return nil, err
			}
			return lb, nil
		},
	}
}

// ForceKeyframe makes the next encoded output an IDR; set by the
// server's SCREEN_REQUEST_KEYFRAME.
func (sp *ScreenPipeline) ForceKeyframe() { sp.forceKey.Store(true) }

// StartShare probes the display, opens the encoder, announces the share,
// and starts the capture, audio, and send tasks. An encoder that fails
// to initialize aborts the attempt with a system message.
func (sp *ScreenPipeline) StartShare() error {
	if sp.c.ConnState() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	if !sp.sharing.CompareAndSwap(false, true) {
		return nil
	}

	shot, err := sp.captureShot()
	if err != nil {
		sp.sharing.Store(false)
		sp.c.State.SystemMessage("Screen share unavailable: capture failed")
		return err
	}
	w := shot.Rect.Dx() &^ 1
	h := shot.Rect.Dy() &^ 1

	enc, err := sp.newEncoder(video.EncoderConfig{Width: w, Height: h, FPS: shareFPS, Bitrate: shareBitrate})
	if err != nil {
		sp.sharing.Store(false)
		sp.c.State.SystemMessage("Screen share unavailable: encoder init failed")
		return err
	}

	if err := sp.c.send(protocol.MakeScreenStart()); err != nil {
		enc.Close()
		sp.sharing.Store(false)
		return err
	}

	sp.shareEnd = make(chan struct{})
	sp.forceKey.Store(false)
	sp.videoQd.Store(false)

	sp.shareWG.Add(3)
	go sp.captureLoop(enc, w, h)
	go sp.shareAudioLoop()
	go sp.shareSendLoop()
	sp.log.Info("screen share started", "width", w, "height", h)
	return nil
}

// StopShare announces the stop and ends the share tasks.
func (sp *ScreenPipeline) StopShare() {
	if !sp.sharing.Load() {
		return
	}
	_ = sp.c.send(protocol.MakeScreenStop())
	sp.stopShareTasks()
	sp.log.Info("screen share stopped")
}

func (sp *ScreenPipeline) stopShareTasks() {
	if !sp.sharing.CompareAndSwap(true, false) {
		return
	}
	close(sp.shareEnd)
	sp.shareWG.Wait()

	sp.queueMu.Lock()
	sp.queue = nil
	sp.queueMu.Unlock()
	sp.videoQd.Store(false)
}

// captureLoop paces at the share frame rate. A frame is skipped when the
// previous video message is still queued (send backpressure) or when the
// capture returns nothing. The encoder handle lives and dies with this
// task.
func (sp *ScreenPipeline) captureLoop(enc video.Encoder, w, h int) {
	defer sp.shareWG.Done()
	defer enc.Close()

	frame := video.NewI420Frame(w, h)
	ticker := time.NewTicker(time.Second / shareFPS)
	defer ticker.Stop()

	for {
		select {
		case <-sp.shareEnd:
			return
		case <-ticker.C:
		}

		if sp.videoQd.Load() {
			continue
		}
		shot, err := sp.captureShot()
		if err != nil {
			continue
		}
		if shot.Rect.Dx() < w || shot.Rect.Dy() < h {
			continue
		}
		frame.FromRGBA(shot)

		out, err := enc.Encode(frame, sp.forceKey.Swap(false))
		if err != nil {
			sp.log.Warn("encode failed", "error", err)
			continue
		}
		if out.Data == nil {
			continue
		}

		flags := byte(0)
		if out.Keyframe {
			flags |= protocol.ScreenFlagKeyIDR
		}
		sp.enqueue(screenItem{
			data: protocol.MakeScreenFrame(uint16(w), uint16(h), flags, out.Data),
		})
		sp.videoQd.Store(true)
	}
}

// shareAudioLoop captures loopback system audio, encodes 20 ms frames,
// and queues them as audio items.
func (sp *ScreenPipeline) shareAudioLoop() {
	defer sp.shareWG.Done()

	lb, err := sp.openLoopback()
	if err != nil {
		// Video-only share; the user is told why there is no sound.
		sp.c.State.SystemMessage("System audio capture unavailable, sharing video only")
		return
	}
	defer lb.Close()

	if l, ok := lb.(*audioio.Loopback); ok && !l.SelfExcluded {
		sp.c.State.SystemMessage("System audio includes this app's own output")
	}

	enc, err := voice.NewEncoder()
	if err != nil {
		sp.c.State.SystemMessage("System audio encoder failed, sharing video only")
		return
	}

	for {
		select {
		case <-sp.shareEnd:
			return
		default:
		}
		frame, err := lb.Read()
		if err != nil {
			return
		}
		packet, err := enc.Encode(frame)
		if err != nil {
			continue
		}
		msg := protocol.MakeScreenAudio(packet)
		sp.enqueue(screenItem{data: msg, isAudio: true})
	}
}

func (sp *ScreenPipeline) enqueue(item screenItem) {
	sp.queueMu.Lock()
	sp.queue = append(sp.queue, item)
	sp.queueMu.Unlock()
	select {
	case sp.queueWake <- struct{}{}:
	default:
	}
}

// shareSendLoop applies the relay discipline in miniature: send every
// audio item in order, then only the newest video item.
func (sp *ScreenPipeline) shareSendLoop() {
	defer sp.shareWG.Done()
	for {
		select {
		case <-sp.shareEnd:
			return
		case <-sp.queueWake:
		}

		sp.queueMu.Lock()
		batch := sp.queue
		sp.queue = nil
		sp.queueMu.Unlock()

		var newestVideo []byte
		for _, item := range batch {
			if item.isAudio {
				if err := sp.c.send(item.data); err != nil {
					return
				}
			} else {
				newestVideo = item.data
			}
		}
		if newestVideo != nil {
			err := sp.c.send(newestVideo)
			sp.videoQd.Store(false)
			if err != nil {
				return
			}
		}
	}
}

// Watch subscribes to a sharer's stream.
func (sp *ScreenPipeline) Watch(sharerID uint32) error {
	if sp.c.ConnState() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	prev := sp.watching.Swap(sharerID)
	if prev == sharerID {
		return nil
	}
	if prev != 0 {
		_ = sp.c.send(protocol.MakeScreenUnsubscribe(prev))
	}
	return sp.c.send(protocol.MakeScreenSubscribe(sharerID))
}

// Unwatch cancels the current subscription.
func (sp *ScreenPipeline) Unwatch() {
	prev := sp.watching.Swap(0)
	if prev == 0 {
		return
	}
	_ = sp.c.send(protocol.MakeScreenUnsubscribe(prev))
	sp.c.State.PublishSurface(nil)
}

// onSharerStopped clears the watch when the watched sharer stops.
func (sp *ScreenPipeline) onSharerStopped(sharerID uint32) {
	if sp.watching.CompareAndSwap(sharerID, 0) {
		sp.c.State.PublishSurface(nil)
	}
}

// onFrame stores the newest frame from the watched sharer and wakes the
// decode task; frames from anyone else are ignored.
func (sp *ScreenPipeline) onFrame(frame protocol.ScreenFrame) {
	if frame.SharerID == 0 || frame.SharerID != sp.watching.Load() {
		return
	}
	data := make([]byte, len(frame.Data))
	copy(data, frame.Data)
	frame.Data = data

	sp.frameMu.Lock()
	sp.pending = &frame
	sp.frameMu.Unlock()
	select {
	case sp.frameWake <- struct{}{}:
	default:
	}
}

// startReceiver launches the decode task; called once at post-auth
// setup.
func (sp *ScreenPipeline) startReceiver() {
	sp.recvMu.Lock()
	defer sp.recvMu.Unlock()
	if sp.recvEnd != nil {
		return
	}
	sp.recvEnd = make(chan struct{})
	sp.recvWG.Add(1)
	go sp.decodeLoop(sp.recvEnd)
}

// decodeLoop owns the decoder: wait for a frame, decode, publish the
// output surface. A decoder that cannot initialize disables watching for
// the session.
func (sp *ScreenPipeline) decodeLoop(end <-chan struct{}) {
	defer sp.recvWG.Done()

	dec, err := sp.newDecoder()
	if err != nil {
		sp.c.State.SystemMessage("Screen viewing unavailable: decoder init failed")
		return
	}
	defer dec.Close()

	var surface *image.RGBA
	for {
		select {
		case <-end:
			return
		case <-sp.frameWake:
		}

		sp.frameMu.Lock()
		frame := sp.pending
		sp.pending = nil
		sp.frameMu.Unlock()
		if frame == nil {
			continue
		}

		ready, err := dec.Submit(frame.Data, frame.IsKeyframe())
		if err != nil {
			// One bad frame; the next keyframe recovers the stream.
			continue
		}
		if !ready {
			continue
		}
		pic := dec.Present()
		if pic == nil {
			continue
		}
		if surface == nil || surface.Rect.Dx() != pic.Width || surface.Rect.Dy() != pic.Height {
			surface = image.NewRGBA(image.Rect(0, 0, pic.Width, pic.Height))
		}
		pic.ToRGBA(surface)
		sp.c.State.PublishSurface(surface)
	}
}

// stopAll ends every screen task; used by Disconnect teardown.
func (sp *ScreenPipeline) stopAll() {
	if sp.sharing.Load() {
		sp.stopShareTasks()
	}
	sp.watching.Store(0)
	sp.recvMu.Lock()
	end := sp.recvEnd
	sp.recvEnd = nil
	sp.recvMu.Unlock()
	if end != nil {
		close(end)
		sp.recvWG.Wait()
	}
}
