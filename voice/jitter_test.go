package voice

import "testing"

func frameOf(v float32) []float32 {
	f := make([]float32, FrameSize)
	for i := range f {
		f[i] = v
	}
	return f
}

func plcMarker() []float32 { return frameOf(-99) }

func TestJitterPrimesAtTwoFrames(t *testing.T) {
	t.Parallel()

	j := NewJitterBuffer()
	if f := j.Pop(plcMarker); f != nil {
		t.Error("empty unprimed buffer produced a frame")
	}

	j.Push(frameOf(1))
	if f := j.Pop(plcMarker); f != nil {
		t.Error("one queued frame should not prime")
	}
	if j.Primed() {
		t.Error("primed with one frame")
	}

	j.Push(frameOf(2))
	f := j.Pop(plcMarker)
	if f == nil || f[0] != 1 {
		t.Fatalf("first drained frame = %v", f)
	}
	if !j.Primed() {
		t.Error("not primed after reaching pre-buffer")
	}
}

func TestJitterCapDropsOldest(t *testing.T) {
	t.Parallel()

	j := NewJitterBuffer()
	for i := 1; i <= 5; i++ {
		j.Push(frameOf(float32(i)))
	}
	if j.Len() != MaxDepth {
		t.Fatalf("len = %d, want %d", j.Len(), MaxDepth)
	}
	// Frame 1 was dropped; draining starts at 2.
	if f := j.Pop(plcMarker); f[0] != 2 {
		t.Errorf("front frame = %v, want 2", f[0])
	}
}

func TestJitterUnderrunPLCAndReprime(t *testing.T) {
	t.Parallel()

	j := NewJitterBuffer()
	j.Push(frameOf(1))
	j.Push(frameOf(2))

	if f := j.Pop(plcMarker); f[0] != 1 {
		t.Fatalf("frame = %v", f[0])
	}
	if f := j.Pop(plcMarker); f[0] != 2 {
		t.Fatalf("frame = %v", f[0])
	}

	// Underrun: one PLC frame, then back to buffering.
	f := j.Pop(plcMarker)
	if f == nil || f[0] != -99 {
		t.Fatalf("underrun frame = %v, want PLC marker", f)
	}
	if j.Primed() {
		t.Error("still primed after underrun")
	}

	// One new frame is not enough to resume.
	j.Push(frameOf(3))
	if f := j.Pop(plcMarker); f != nil {
		t.Error("resumed before re-reaching pre-buffer")
	}
	j.Push(frameOf(4))
	if f := j.Pop(plcMarker); f == nil || f[0] != 3 {
		t.Errorf("resumed frame = %v, want 3", f)
	}
}

func TestJitterInsertionOrder(t *testing.T) {
	t.Parallel()

	j := NewJitterBuffer()
	// Arrival order is preserved even if a caller pushed out-of-sequence
	// frames; the buffer never reorders.
	j.Push(frameOf(7))
	j.Push(frameOf(5))
	j.Push(frameOf(6))

	want := []float32{7, 5, 6}
	for i, w := range want {
		f := j.Pop(plcMarker)
		if f == nil || f[0] != w {
			t.Fatalf("pop %d = %v, want %v", i, f, w)
		}
	}
}

func TestNoiseGateAttenuatesSilencePassesSpeech(t *testing.T) {
	t.Parallel()

	g := NewNoiseGate()

	// Low-level noise is attenuated.
	noise := make([]float32, FrameSize)
	for i := range noise {
		noise[i] = 0.001
	}
	out := g.Process(noise)
	if out[0] >= 0.001 {
		t.Errorf("noise sample = %v, want attenuated", out[0])
	}

	// A loud frame opens the gate and passes through unchanged.
	loud := make([]float32, FrameSize)
	for i := range loud {
		loud[i] = 0.5
	}
	out = g.Process(loud)
	if out[0] != 0.5 {
		t.Errorf("speech sample = %v, want 0.5", out[0])
	}
}
