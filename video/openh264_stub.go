//go:build !cgo || noh264

package video

// NewEncoder reports ErrUnsupported on builds without the OpenH264
// binding. Share attempts surface this as a system message.
func NewEncoder(cfg EncoderConfig) (Encoder, error) {
	return nil, ErrUnsupported
}

// NewDecoder reports ErrUnsupported on builds without the OpenH264
// binding.
func NewDecoder() (Decoder, error) {
	return nil, ErrUnsupported
}
