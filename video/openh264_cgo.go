//go:build cgo && !noh264

package video

/*
#cgo LDFLAGS: -lopenh264

#include <stdlib.h>
#include <string.h>
#include <wels/codec_api.h>

// The OpenH264 C interface is a vtable behind a pointer; cgo cannot call
// through C function pointers, so each method gets a C helper.

static ISVCEncoder* enc_create(void) {
    ISVCEncoder* enc = NULL;
    if (WelsCreateSVCEncoder(&enc) != 0) {
        return NULL;
    }
    return enc;
}

static int enc_init(ISVCEncoder* enc, int width, int height, int fps, int bitrate) {
    SEncParamExt param;
    memset(&param, 0, sizeof(param));
    if ((*enc)->GetDefaultParams(enc, &param) != 0) {
        return -1;
    }
    param.iUsageType          = SCREEN_CONTENT_REAL_TIME;
    param.iPicWidth           = width;
    param.iPicHeight          = height;
    param.fMaxFrameRate       = (float)fps;
    param.iRCMode             = RC_BITRATE_MODE;
    param.iTargetBitrate      = bitrate;
    param.iMaxBitrate         = bitrate + bitrate / 2;   // peak <= 1.5x target
    param.uiIntraPeriod       = (unsigned int)(fps * 2); // 2 s GOP ceiling
    param.bEnableFrameSkip    = false;
    param.iTemporalLayerNum   = 1;
    param.iSpatialLayerNum    = 1;
    param.iMultipleThreadIdc  = 1;
    param.sSpatialLayers[0].iVideoWidth        = width;
    param.sSpatialLayers[0].iVideoHeight       = height;
    param.sSpatialLayers[0].fFrameRate         = (float)fps;
    param.sSpatialLayers[0].iSpatialBitrate    = bitrate;
    param.sSpatialLayers[0].iMaxSpatialBitrate = bitrate + bitrate / 2;
    return (*enc)->InitializeExt(enc, &param);
}

static int enc_force_idr(ISVCEncoder* enc) {
    return (*enc)->ForceIntraFrame(enc, true);
}

static int enc_set_bitrate(ISVCEncoder* enc, int bitrate) {
    SBitrateInfo info;
    memset(&info, 0, sizeof(info));
    info.iLayer   = SPATIAL_LAYER_ALL;
    info.iBitrate = bitrate;
    return (*enc)->SetOption(enc, ENCODER_OPTION_BITRATE, &info);
}

// enc_encode feeds one I420 picture. On success *out_len holds the total
// bitstream size, *out_idr whether the output is an IDR, and the
// bitstream is copied into out (caller-sized). Returns <0 on error,
// 0 when the encoder produced no output, 1 when out holds a frame.
static int enc_encode(ISVCEncoder* enc,
                      unsigned char* y, unsigned char* u, unsigned char* v,
                      int width, int height, int stride_y, int stride_c,
                      long long pts,
                      unsigned char* out, int out_cap,
                      int* out_len, int* out_idr) {
    SSourcePicture pic;
    SFrameBSInfo   info;
    memset(&pic, 0, sizeof(pic));
    memset(&info, 0, sizeof(info));

    pic.iColorFormat = videoFormatI420;
    pic.iPicWidth    = width;
    pic.iPicHeight   = height;
    pic.iStride[0]   = stride_y;
    pic.iStride[1]   = stride_c;
    pic.iStride[2]   = stride_c;
    pic.pData[0]     = y;
    pic.pData[1]     = u;
    pic.pData[2]     = v;
    pic.uiTimeStamp  = pts;

    if ((*enc)->EncodeFrame(enc, &pic, &info) != cmResultSuccess) {
        return -1;
    }
    if (info.eFrameType == videoFrameTypeSkip || info.eFrameType == videoFrameTypeInvalid) {
        return 0;
    }

    int total = 0;
    for (int layer = 0; layer < info.iLayerNum; layer++) {
        const SLayerBSInfo* l = &info.sLayerInfo[layer];
        int layer_size = 0;
        for (int n = 0; n < l->iNalCount; n++) {
            layer_size += l->pNalLengthInByte[n];
        }
        if (total + layer_size > out_cap) {
            return -2;
        }
        memcpy(out + total, l->pBsBuf, layer_size);
        total += layer_size;
    }

    *out_len = total;
    *out_idr = (info.eFrameType == videoFrameTypeIDR) ? 1 : 0;
    return 1;
}

static void enc_destroy(ISVCEncoder* enc) {
    if (enc != NULL) {
        (*enc)->Uninitialize(enc);
        WelsDestroySVCEncoder(enc);
    }
}

static ISVCDecoder* dec_create(void) {
    ISVCDecoder* dec = NULL;
    if (WelsCreateDecoder(&dec) != 0) {
        return NULL;
    }
    SDecodingParam param;
    memset(&param, 0, sizeof(param));
    param.sVideoProperty.eVideoBsType = VIDEO_BITSTREAM_AVC;
    param.eEcActiveIdc                = ERROR_CON_SLICE_COPY;
    if ((*dec)->Initialize(dec, &param) != 0) {
        WelsDestroyDecoder(dec);
        return NULL;
    }
    return dec;
}

// dec_decode feeds one access unit. Returns 1 when a picture is ready
// (planes/strides/dims filled in), 0 when the decoder wants more data,
// <0 on decode error.
static int dec_decode(ISVCDecoder* dec, unsigned char* data, int len,
                      unsigned char** y, unsigned char** u, unsigned char** v,
                      int* width, int* height, int* stride_y, int* stride_c) {
    unsigned char* planes[3] = {NULL, NULL, NULL};
    SBufferInfo    info;
    memset(&info, 0, sizeof(info));

    DECODING_STATE st = (*dec)->DecodeFrameNoDelay(dec, data, len, planes, &info);
    if (st != dsErrorFree) {
        return -1;
    }
    if (info.iBufferStatus != 1) {
        return 0;
    }

    *y        = planes[0];
    *u        = planes[1];
    *v        = planes[2];
    *width    = info.UsrData.sSystemBuffer.iWidth;
    *height   = info.UsrData.sSystemBuffer.iHeight;
    *stride_y = info.UsrData.sSystemBuffer.iStride[0];
    *stride_c = info.UsrData.sSystemBuffer.iStride[1];
    return 1;
}

static void dec_destroy(ISVCDecoder* dec) {
    if (dec != NULL) {
        (*dec)->Uninitialize(dec);
        WelsDestroyDecoder(dec);
    }
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

type openh264Encoder struct {
	enc    *C.ISVCEncoder
	cfg    EncoderConfig
	outBuf []byte
	pts    int64
	ptsInc int64
}

// NewEncoder opens an OpenH264 screen-content encoder.
func NewEncoder(cfg EncoderConfig) (Encoder, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	enc := C.enc_create()
	if enc == nil {
		return nil, fmt.Errorf("video: create encoder failed")
	}
	if rc := C.enc_init(enc, C.int(cfg.Width), C.int(cfg.Height), C.int(cfg.FPS), C.int(cfg.Bitrate)); rc != 0 {
		C.enc_destroy(enc)
		return nil, fmt.Errorf("video: encoder init failed (%d)", int(rc))
	}
	return &openh264Encoder{
		enc:    enc,
		cfg:    cfg,
		outBuf: make([]byte, cfg.Width*cfg.Height*3/2+4096),
		ptsInc: int64(1000 / cfg.FPS),
	}, nil
}

func (e *openh264Encoder) Encode(frame *I420Frame, forceIDR bool) (EncodedFrame, error) {
	if forceIDR {
		if rc := C.enc_force_idr(e.enc); rc != 0 {
			return EncodedFrame{}, fmt.Errorf("video: force idr failed (%d)", int(rc))
		}
	}

	var outLen, outIDR C.int
	rc := C.enc_encode(e.enc,
		(*C.uchar)(unsafe.Pointer(&frame.Y[0])),
		(*C.uchar)(unsafe.Pointer(&frame.U[0])),
		(*C.uchar)(unsafe.Pointer(&frame.V[0])),
		C.int(frame.Width), C.int(frame.Height),
		C.int(frame.StrideY), C.int(frame.StrideC),
		C.longlong(e.pts),
		(*C.uchar)(unsafe.Pointer(&e.outBuf[0])), C.int(len(e.outBuf)),
		&outLen, &outIDR)
	e.pts += e.ptsInc

	switch {
	case rc < 0:
		return EncodedFrame{}, fmt.Errorf("video: encode failed (%d)", int(rc))
	case rc == 0:
		return EncodedFrame{}, nil
	}

	data := make([]byte, int(outLen))
	copy(data, e.outBuf[:outLen])
	return EncodedFrame{Data: data, Keyframe: outIDR != 0}, nil
}

func (e *openh264Encoder) SetBitrate(bps int) error {
	if rc := C.enc_set_bitrate(e.enc, C.int(bps)); rc != 0 {
		return fmt.Errorf("video: set bitrate failed (%d)", int(rc))
	}
	return nil
}

func (e *openh264Encoder) Close() {
	C.enc_destroy(e.enc)
	e.enc = nil
}

type openh264Decoder struct {
	dec      *C.ISVCDecoder
	sawKey   bool
	pic      *I420Frame
	hasFrame bool
}

// NewDecoder opens an OpenH264 decoder with slice-copy error
// concealment.
func NewDecoder() (Decoder, error) {
	dec := C.dec_create()
	if dec == nil {
		return nil, fmt.Errorf("video: create decoder failed")
	}
	return &openh264Decoder{dec: dec}, nil
}

func (d *openh264Decoder) Submit(data []byte, keyframe bool) (bool, error) {
	if !d.sawKey {
		if !keyframe {
			return false, nil
		}
		d.sawKey = true
	}
	if len(data) == 0 {
		return false, nil
	}

	var y, u, v *C.uchar
	var width, height, strideY, strideC C.int
	rc := C.dec_decode(d.dec,
		(*C.uchar)(unsafe.Pointer(&data[0])), C.int(len(data)),
		&y, &u, &v, &width, &height, &strideY, &strideC)
	if rc < 0 {
		return false, fmt.Errorf("video: decode failed")
	}
	if rc == 0 {
		return false, nil
	}

	w, h := int(width), int(height)
	if d.pic == nil || d.pic.Width != w || d.pic.Height != h {
		// Resolution change mid-stream: new output surface.
		d.pic = NewI420Frame(w, h)
	}
	copyPlane(d.pic.Y, unsafe.Pointer(y), h, w, int(strideY), d.pic.StrideY)
	copyPlane(d.pic.U, unsafe.Pointer(u), h/2, w/2, int(strideC), d.pic.StrideC)
	copyPlane(d.pic.V, unsafe.Pointer(v), h/2, w/2, int(strideC), d.pic.StrideC)
	d.hasFrame = true
	return true, nil
}

func (d *openh264Decoder) Present() *I420Frame {
	if !d.hasFrame {
		return nil
	}
	return d.pic
}

func (d *openh264Decoder) Close() {
	C.dec_destroy(d.dec)
	d.dec = nil
}

// copyPlane copies rows from a strided C plane into a tightly packed Go
// plane.
func copyPlane(dst []byte, src unsafe.Pointer, rows, cols, srcStride, dstStride int) {
	s := unsafe.Slice((*byte)(src), rows*srcStride)
	for r := 0; r < rows; r++ {
		copy(dst[r*dstStride:r*dstStride+cols], s[r*srcStride:r*srcStride+cols])
	}
}
