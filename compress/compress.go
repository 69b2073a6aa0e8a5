// Copyright 2025-2026 The ParamServe Authors. SPDX-License-Identifier: Apache-2.0

// Package compress implements the gradient-compression codec surface the
// server consumes: parameter decoding from the control plane and
// dequantization of compressed push payloads into engine tensors.
//
// Two codecs are built in: "none" (float32 passthrough) and "int8" (linear
// scale quantization). Compression is for float32 parameters only.
package compress

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/paramserve/paramserve/engine"
)

// Codec dequantizes compressed gradient bytes into a float32 tensor.
type Codec interface {
	// Name of the codec, as selected by the "type" parameter.
	Name() string

	// Dequantize schedules decompression of compressed into dst on eng.
	// dst must be a dense float32 tensor of the advertised decompressed
	// size.
	Dequantize(eng *engine.Engine, compressed []byte, dst *engine.Tensor) error
}

// Compression holds the currently configured codec. The zero value is not
// usable; use New, which starts with the "none" codec.
type Compression struct {
	mu     sync.Mutex
	params string
	codec  Codec
}

// New returns a Compression configured with the passthrough codec.
func New() *Compression {
	return &Compression{codec: noneCodec{}}
}

// SetParams reconfigures the codec from a control-plane body of the form
// "type:<codec>[,<param>:<value>...]". Setting the same parameters again is
// a no-op.
func (c *Compression) SetParams(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	params := string(body)
	if params == c.params {
		return nil
	}
	fields, err := splitParams(params)
	if err != nil {
		return err
	}
	var codec Codec
	switch fields["type"] {
	case "", "none":
		codec = noneCodec{}
	case "int8":
		scale := float64(1)
		if s, found := fields["scale"]; found {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return errors.Wrapf(err, "compression scale %q", s)
			}
			scale = v
		}
		if scale <= 0 {
			return errors.Errorf("compression scale must be positive, got %v", scale)
		}
		codec = &int8Codec{scale: scale}
	default:
		return errors.Errorf("unknown compression type %q", fields["type"])
	}
	klog.V(1).Infof("gradient compression set to %s (%q)", codec.Name(), params)
	c.params = params
	c.codec = codec
	return nil
}

// Dequantize delegates to the current codec.
func (c *Compression) Dequantize(eng *engine.Engine, compressed []byte, dst *engine.Tensor) error {
	c.mu.Lock()
	codec := c.codec
	c.mu.Unlock()
	return codec.Dequantize(eng, compressed, dst)
}

// Name returns the current codec's name.
func (c *Compression) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec.Name()
}

// noneCodec treats the compressed bytes as raw little-endian float32.
type noneCodec struct{}

func (noneCodec) Name() string { return "none" }

func (noneCodec) Dequantize(eng *engine.Engine, compressed []byte, dst *engine.Tensor) error {
	if err := checkDst(dst); err != nil {
		return err
	}
	if len(compressed) != dst.Memory() {
		return errors.Errorf("codec none: %d payload bytes for a %d-byte tensor",
			len(compressed), dst.Memory())
	}
	eng.Copy(engine.WrapBytes(dtypes.Float32, compressed, dst.Size()), dst)
	return nil
}

// int8Codec maps each signed byte b to scale·b.
type int8Codec struct {
	scale float64
}

func (*int8Codec) Name() string { return "int8" }

func (q *int8Codec) Dequantize(eng *engine.Engine, compressed []byte, dst *engine.Tensor) error {
	if err := checkDst(dst); err != nil {
		return err
	}
	if len(compressed) != dst.Size() {
		return errors.Errorf("codec int8: %d payload bytes for %d elements",
			len(compressed), dst.Size())
	}
	values := make([]float32, len(compressed))
	for i, b := range compressed {
		values[i] = float32(q.scale * float64(int8(b)))
	}
	eng.Copy(engine.WrapBytes(dtypes.Float32, engine.PackFloat32(values...), len(values)), dst)
	return nil
}

// Quantize is the inverse of the int8 codec's Dequantize, clamping to the
// int8 range. It is used by tests and worker-side tooling.
func (q *int8Codec) Quantize(values []float32) []byte {
	out := make([]byte, len(values))
	for i, v := range values {
		level := float64(v) / q.scale
		switch {
		case level > 127:
			level = 127
		case level < -128:
			level = -128
		}
		out[i] = byte(int8(level))
	}
	return out
}

// NewInt8 returns the int8 codec directly, for worker-side quantization in
// tests and tools.
func NewInt8(scale float64) interface {
	Codec
	Quantize(values []float32) []byte
} {
	return &int8Codec{scale: scale}
}

func checkDst(dst *engine.Tensor) error {
	if dst.DType() != dtypes.Float32 || dst.IsRowSparse() {
		return errors.Errorf("gradient compression needs a dense float32 target, got %s", dst.DType())
	}
	return nil
}

func splitParams(params string) (map[string]string, error) {
	fields := make(map[string]string)
	if params == "" {
		return fields, nil
	}
	for _, elem := range strings.Split(params, ",") {
		parts := strings.SplitN(elem, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, errors.Errorf("malformed compression parameter %q", elem)
		}
		fields[parts[0]] = parts[1]
	}
	return fields, nil
}
