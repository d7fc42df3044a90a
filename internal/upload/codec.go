package upload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Body encodings.
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// Body compressions.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

type codec struct {
	encoding    string
	compression string
	cborEnc     cbor.EncMode
	cborDec     cbor.DecMode
	zstdEnc     *zstd.Encoder
}

func newCodec(encoding, compression string) (*codec, error) {
	c := &codec{encoding: encoding, compression: compression}
	switch encoding {
	case "", EncodingJSON:
		c.encoding = EncodingJSON
	case EncodingCBOR:
	default:
		return nil, fmt.Errorf("unsupported upload encoding %q", encoding)
	}

	var err error
	if c.cborEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		return nil, fmt.Errorf("creating CBOR encoder: %w", err)
	}
	decOpts := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}
	if c.cborDec, err = decOpts.DecMode(); err != nil {
		return nil, fmt.Errorf("creating CBOR decoder: %w", err)
	}

	switch compression {
	case "", CompressionNone:
		c.compression = CompressionNone
	case CompressionGzip:
	case CompressionZstd:
		if c.zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported upload compression %q", compression)
	}
	return c, nil
}

// encode returns the request body with its Content-Type and
// Content-Encoding ("" when uncompressed).
func (c *codec) encode(v any) (body []byte, contentType, contentEncoding string, err error) {
	switch c.encoding {
	case EncodingCBOR:
		body, err = c.cborEnc.Marshal(v)
		contentType = "application/cbor"
	default:
		body, err = json.Marshal(v)
		contentType = "application/json"
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("encoding batch: %w", err)
	}

	switch c.compression {
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, "", "", fmt.Errorf("compressing batch: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", "", fmt.Errorf("compressing batch: %w", err)
		}
		return buf.Bytes(), contentType, CompressionGzip, nil
	case CompressionZstd:
		return c.zstdEnc.EncodeAll(body, nil), contentType, CompressionZstd, nil
	}
	return body, contentType, "", nil
}

// decode parses a response body according to its Content-Type. Anything
// that is not CBOR is treated as JSON.
func (c *codec) decode(contentType string, body []byte, v any) error {
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == "application/cbor" {
		return c.cborDec.Unmarshal(body, v)
	}
	return json.Unmarshal(body, v)
}
