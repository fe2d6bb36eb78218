package video

import (
	"image"
	"testing"
)

func TestContainsIDR(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data []byte
		want bool
	}{
		{
			"idr with 4-byte start code",
			[]byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84},
			true,
		},
		{
			"idr with 3-byte start code",
			[]byte{0x00, 0x00, 0x01, 0x65, 0x88},
			true,
		},
		{
			"p slice only",
			[]byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A},
			false,
		},
		{
			"sps pps then idr",
			[]byte{
				0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00,
				0x00, 0x00, 0x00, 0x01, 0x68, 0xCE,
				0x00, 0x00, 0x00, 0x01, 0x65, 0x88,
			},
			true,
		},
		{"empty", nil, false},
		{"no start code", []byte{0x65, 0x88, 0x84}, false},
	}
	for _, tc := range cases {
		if got := ContainsIDR(tc.data); got != tc.want {
			t.Errorf("%s: ContainsIDR = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNALTypesMultiple(t *testing.T) {
	t.Parallel()

	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0xAA,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xBB,
		0x00, 0x00, 0x01, 0x65, 0xCC,
	}
	got := nalTypes(data)
	want := []byte{NALTypeSPS, NALTypePPS, NALTypeIDR}
	if len(got) != len(want) {
		t.Fatalf("types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("type[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestI420RoundTripSolidColor(t *testing.T) {
	t.Parallel()

	const w, h = 32, 16
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 200   // R
		img.Pix[i+1] = 100 // G
		img.Pix[i+2] = 50  // B
		img.Pix[i+3] = 255
	}

	f := NewI420Frame(w, h)
	f.FromRGBA(img)

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	f.ToRGBA(out)

	// BT.601 limited-range conversion loses a little precision; a solid
	// color must come back within a small tolerance.
	for _, idx := range []int{0, 1, 2} {
		diff := int(out.Pix[idx]) - int(img.Pix[idx])
		if diff < -8 || diff > 8 {
			t.Errorf("channel %d: got %d, want ~%d", idx, out.Pix[idx], img.Pix[idx])
		}
	}
}

func TestNewI420FrameRoundsToEven(t *testing.T) {
	t.Parallel()

	f := NewI420Frame(33, 17)
	if f.Width != 32 || f.Height != 16 {
		t.Errorf("dims = %dx%d, want 32x16", f.Width, f.Height)
	}
	if len(f.Y) != 32*16 || len(f.U) != 16*8 || len(f.V) != 16*8 {
		t.Errorf("plane sizes = %d/%d/%d", len(f.Y), len(f.U), len(f.V))
	}
}
