package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Relay queue tuning. Depth bounds memory under overload; only intra-GOP
// P-frames are ever shed.
const (
	relayQueueDepth = 60
	relayIdleWait   = 5 * time.Millisecond
)

// relayItem is one fully formed outbound message plus the tags the drop
// and batching policies need.
type relayItem struct {
	data       []byte
	sharerID   uint32
	isAudio    bool
	isKeyframe bool
}

// Scheduler is the screen fan-out: producers enqueue fully built relay
// messages from the per-client read tasks, a single drain loop sends
// them to subscribers with audio-first, keep-newest-video discipline.
type Scheduler struct {
	reg *Registry
	log *slog.Logger

	mu    sync.Mutex
	queue []relayItem
	wake  chan struct{}
}

// NewScheduler creates a scheduler draining into reg's subscriber sets.
func NewScheduler(reg *Registry) *Scheduler {
	return &Scheduler{
		reg:  reg,
		log:  slog.With("component", "relay"),
		wake: make(chan struct{}, 1),
	}
}

// Enqueue appends one item and applies the drop policy: while over
// capacity, discard the oldest item that is neither audio nor a
// keyframe. When only audio and keyframes remain, accept brief growth —
// dropping audio causes gaps and dropping a keyframe blinds every
// subscriber until the next IDR.
func (s *Scheduler) Enqueue(data []byte, sharerID uint32, isAudio, isKeyframe bool) {
	s.mu.Lock()
	s.queue = append(s.queue, relayItem{data: data, sharerID: sharerID, isAudio: isAudio, isKeyframe: isKeyframe})
	for len(s.queue) > relayQueueDepth {
		dropped := false
		for i, item := range s.queue {
			if !item.isAudio && !item.isKeyframe {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			break
		}
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// QueueLen returns the number of queued items.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run drains the queue until ctx is cancelled, then flushes what remains.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case <-s.wake:
			s.drain()
		case <-time.After(relayIdleWait):
			s.drain()
		}
	}
}

// drain takes the whole batch under the lock, releases it, then sends:
// every audio item in arrival order, and per sharer only the newest
// video item of the batch.
func (s *Scheduler) drain() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	var audio, video []relayItem
	for _, item := range batch {
		if item.isAudio {
			audio = append(audio, item)
		} else {
			video = append(video, item)
		}
	}

	// Audio first: small messages, blocking sends.
	for _, item := range audio {
		for _, sub := range s.reg.SubscribersOf(item.sharerID) {
			if err := sub.Send(item.data); err != nil {
				s.log.Debug("audio relay send failed", "subscriber", sub.ID, "error", err)
			}
		}
	}

	// Per sharer: every keyframe in arrival order, then the newest
	// delta frame. Intermediate P-frames of the batch are dropped;
	// keyframes never are, since losing one blinds every subscriber
	// until the next IDR.
	newest := make(map[uint32]int)
	for i, item := range video {
		newest[item.sharerID] = i
	}
	for i, item := range video {
		if !item.isKeyframe && newest[item.sharerID] != i {
			continue
		}
		s.sendVideo(item)
	}
}

// sendVideo fans one video item out with a bounded write: a stalled
// subscriber loses the frame and is re-synced later from the cached
// keyframe.
func (s *Scheduler) sendVideo(item relayItem) {
	for _, sub := range s.reg.SubscribersOf(item.sharerID) {
		if err := sub.SendTimeout(item.data, videoSendTimeout); err != nil {
			s.log.Debug("video relay send dropped", "subscriber", sub.ID,
				"keyframe", item.isKeyframe, "error", err)
		}
	}
}
