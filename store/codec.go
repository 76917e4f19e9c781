package store

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"fingerid/types"

	"github.com/fxamacker/cbor/v2"
)

// Descriptor blobs are gzip-compressed CBOR with a small version header, so
// a future layout change can coexist with cached blobs already in the
// store.
var codecMagic = []byte("FPD1")

// EncodeFeatureSet serializes a FeatureSet into a cacheable blob.
func EncodeFeatureSet(fs *types.FeatureSet) ([]byte, error) {
	if fs == nil || fs.KeypointCount == 0 {
		return nil, fmt.Errorf("cannot encode an empty feature set")
	}

	payload, err := cbor.Marshal(fs)
	if err != nil {
		return nil, fmt.Errorf("cbor encode failed: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(codecMagic)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFeatureSet deserializes a cached descriptor blob. Corrupt or
// truncated blobs return an error; callers treat that as a skippable
// template, never a fatal condition.
func DecodeFeatureSet(blob []byte) (*types.FeatureSet, error) {
	if len(blob) < len(codecMagic)+2 {
		return nil, fmt.Errorf("descriptor blob too short (%d bytes)", len(blob))
	}
	if !bytes.Equal(blob[:len(codecMagic)], codecMagic) {
		return nil, fmt.Errorf("descriptor blob has unknown header")
	}

	zr, err := gzip.NewReader(bytes.NewReader(blob[len(codecMagic):]))
	if err != nil {
		return nil, fmt.Errorf("gzip open failed: %w", err)
	}
	payload, err := io.ReadAll(zr)
	if cerr := zr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}

	var fs types.FeatureSet
	if err := cbor.Unmarshal(payload, &fs); err != nil {
		return nil, fmt.Errorf("cbor decode failed: %w", err)
	}

	if fs.KeypointCount <= 0 ||
		len(fs.Descriptors) != fs.KeypointCount*types.DescriptorDim ||
		len(fs.Keypoints) != fs.KeypointCount {
		return nil, fmt.Errorf("descriptor blob is internally inconsistent (kp=%d des=%d)",
			fs.KeypointCount, len(fs.Descriptors))
	}
	return &fs, nil
}
