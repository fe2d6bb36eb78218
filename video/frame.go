package video

import "image"

// I420Frame is a planar YUV 4:2:0 picture, the input format of the
// encoder and the output format of the decoder.
type I420Frame struct {
	Width   int
	Height  int
	Y       []byte
	U       []byte
	V       []byte
	StrideY int
	StrideC int
}

// NewI420Frame allocates a tightly packed frame. Dimensions are rounded
// down to even values; H.264 4:2:0 requires them.
func NewI420Frame(width, height int) *I420Frame {
	width &^= 1
	height &^= 1
	cw, ch := width/2, height/2
	return &I420Frame{
		Width:   width,
		Height:  height,
		Y:       make([]byte, width*height),
		U:       make([]byte, cw*ch),
		V:       make([]byte, cw*ch),
		StrideY: width,
		StrideC: cw,
	}
}

// FromRGBA converts a captured RGBA image into the frame, BT.601 limited
// range. The frame must have been allocated for the image's (even)
// dimensions.
func (f *I420Frame) FromRGBA(img *image.RGBA) {
	for y := 0; y < f.Height; y++ {
		row := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
		for x := 0; x < f.Width; x++ {
			r := int32(row[x*4])
			g := int32(row[x*4+1])
			b := int32(row[x*4+2])
			f.Y[y*f.StrideY+x] = clamp8(((66*r + 129*g + 25*b + 128) >> 8) + 16)
		}
	}
	for y := 0; y < f.Height; y += 2 {
		row := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
		for x := 0; x < f.Width; x += 2 {
			r := int32(row[x*4])
			g := int32(row[x*4+1])
			b := int32(row[x*4+2])
			ci := (y/2)*f.StrideC + x/2
			f.U[ci] = clamp8(((-38*r - 74*g + 112*b + 128) >> 8) + 128)
			f.V[ci] = clamp8(((112*r - 94*g - 18*b + 128) >> 8) + 128)
		}
	}
}

// ToRGBA converts the frame into dst, which must match the frame
// dimensions.
func (f *I420Frame) ToRGBA(dst *image.RGBA) {
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			yy := int32(f.Y[y*f.StrideY+x]) - 16
			ci := (y/2)*f.StrideC + x/2
			u := int32(f.U[ci]) - 128
			v := int32(f.V[ci]) - 128

			c := 298 * yy
			r := clamp8((c + 409*v + 128) >> 8)
			g := clamp8((c - 100*u - 208*v + 128) >> 8)
			b := clamp8((c + 516*u + 128) >> 8)

			o := y*dst.Stride + x*4
			dst.Pix[o] = r
			dst.Pix[o+1] = g
			dst.Pix[o+2] = b
			dst.Pix[o+3] = 0xFF
		}
	}
}

func clamp8(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
