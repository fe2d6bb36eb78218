package audioio

import "testing"

func TestFrameChunkerAssemblesFrames(t *testing.T) {
	t.Parallel()

	c := newFrameChunker()

	// Feed in odd-sized chunks; full frames come out.
	half := make([]float32, FrameSize/2)
	for i := range half {
		half[i] = 0.25
	}
	c.feed(half)
	select {
	case <-c.out:
		t.Fatal("frame emitted before enough samples")
	default:
	}

	c.feed(half)
	select {
	case frame := <-c.out:
		if len(frame) != FrameSize {
			t.Errorf("frame len = %d, want %d", len(frame), FrameSize)
		}
		if frame[0] != 0.25 {
			t.Errorf("sample = %v", frame[0])
		}
	default:
		t.Fatal("no frame after a full frame of samples")
	}
}

func TestFrameChunkerShedsOldestWhenFull(t *testing.T) {
	t.Parallel()

	c := newFrameChunker()
	frame := make([]float32, FrameSize)

	// Overfill the channel; feed must not block and must keep the
	// newest frames.
	for i := 0; i < cap(c.out)+4; i++ {
		for j := range frame {
			frame[j] = float32(i)
		}
		c.feed(frame)
	}
	if len(c.out) != cap(c.out) {
		t.Errorf("queued = %d, want %d", len(c.out), cap(c.out))
	}
}

func TestFloat32BytesRoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0, 1, -1, 0.5, -0.25, 3.14159}
	buf := make([]byte, len(in)*4)
	float32ToBytes(in, buf)
	out := bytesToFloat32(buf)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %v, want %v", i, out[i], in[i])
		}
	}
}
