package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"strings"
	"sync"

	"fingerid/logging"

	wsq "github.com/jtejido/go-wsq"
	"gocv.io/x/gocv"
	"golang.org/x/image/bmp"
)

// ImageDecoder decodes raw capture bytes into a grayscale Mat.
type ImageDecoder interface {
	CanDecode(data []byte) bool
	Decode(data []byte) (gocv.Mat, error)
}

// DecoderRegistry maintains the ordered set of capture-format decoders.
// Capture devices in the field deliver PNG or JPEG through the browser SDK,
// BMP from older scanner drivers, and WSQ from devices that export
// FBI-compressed images.
type DecoderRegistry struct {
	decoders []ImageDecoder
	mutex    sync.RWMutex
}

// NewDecoderRegistry creates a registry with the standard decoders
// registered in probe order.
func NewDecoderRegistry() *DecoderRegistry {
	registry := &DecoderRegistry{}
	registry.Register(&StandardDecoder{})
	registry.Register(&WSQDecoder{})
	registry.Register(&BMPDecoder{})
	return registry
}

// Register appends a decoder to the probe order.
func (r *DecoderRegistry) Register(d ImageDecoder) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.decoders = append(r.decoders, d)
}

// Decode returns a grayscale Mat for the first decoder that recognizes the
// payload. The caller owns the returned Mat and must Close it.
func (r *DecoderRegistry) Decode(data []byte) (gocv.Mat, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if len(data) == 0 {
		return gocv.NewMat(), fmt.Errorf("empty image payload")
	}

	for _, d := range r.decoders {
		if d.CanDecode(data) {
			img, err := d.Decode(data)
			if err == nil {
				return img, nil
			}
			logging.DebugLog("decoder %T failed, trying next: %v", d, err)
		}
	}

	return gocv.NewMat(), fmt.Errorf("unsupported image format (%d bytes)", len(data))
}

// DecodeBase64 cleans a base64 payload the way browsers mangle it (data:
// prefix, stray whitespace, missing padding) and decodes the result.
func (r *DecoderRegistry) DecodeBase64(payload string) (gocv.Mat, error) {
	data, err := CleanBase64(payload)
	if err != nil {
		return gocv.NewMat(), err
	}
	return r.Decode(data)
}

// CleanBase64 normalizes and decodes a base64 image payload.
func CleanBase64(payload string) ([]byte, error) {
	if idx := strings.Index(payload, ","); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+1:]
	}

	replacer := strings.NewReplacer("\n", "", "\r", "", " ", "", "\t", "")
	payload = replacer.Replace(strings.TrimSpace(payload))

	if pad := len(payload) % 4; pad != 0 {
		payload += strings.Repeat("=", 4-pad)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image payload: %w", err)
	}
	return data, nil
}

// StandardDecoder handles the formats OpenCV decodes natively (PNG, JPEG).
type StandardDecoder struct{}

func (d *StandardDecoder) CanDecode(data []byte) bool {
	return bytes.HasPrefix(data, []byte("\x89PNG")) ||
		bytes.HasPrefix(data, []byte{0xFF, 0xD8})
}

func (d *StandardDecoder) Decode(data []byte) (gocv.Mat, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadGrayScale)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("imdecode failed: %w", err)
	}
	if img.Empty() {
		img.Close()
		return gocv.NewMat(), fmt.Errorf("imdecode produced an empty image")
	}
	return img, nil
}

// WSQDecoder handles FBI WSQ-compressed fingerprint images.
type WSQDecoder struct{}

func (d *WSQDecoder) CanDecode(data []byte) bool {
	// WSQ streams open with the SOI marker 0xFFA0.
	return len(data) >= 2 && data[0] == 0xFF && data[1] == 0xA0
}

func (d *WSQDecoder) Decode(data []byte) (gocv.Mat, error) {
	img, err := wsq.Decode(bytes.NewReader(data))
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("wsq decode failed: %w", err)
	}
	return grayMatFromImage(img)
}

// BMPDecoder handles BMP output from legacy scanner drivers.
type BMPDecoder struct{}

func (d *BMPDecoder) CanDecode(data []byte) bool {
	return bytes.HasPrefix(data, []byte("BM"))
}

func (d *BMPDecoder) Decode(data []byte) (gocv.Mat, error) {
	img, err := bmp.Decode(bytes.NewReader(data))
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("bmp decode failed: %w", err)
	}
	return grayMatFromImage(img)
}

// grayMatFromImage converts any image.Image into a grayscale Mat.
func grayMatFromImage(img image.Image) (gocv.Mat, error) {
	gray, ok := img.(*image.Gray)
	if !ok {
		bounds := img.Bounds()
		gray = image.NewGray(bounds)
		draw.Draw(gray, bounds, img, bounds.Min, draw.Src)
	}
	mat, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("cannot convert decoded image: %w", err)
	}
	return mat, nil
}
