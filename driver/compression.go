// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/coredb-io/godriver/wiremessage"
)

// CompressionOpts holds the compressor selected during connection handshake
// and, for zlib/zstd, the negotiated compression level.
type CompressionOpts struct {
	Compressor wiremessage.CompressorID
	ZlibLevel int
	ZstdLevel int
}

// CompressPayload compresses src using the compressor named in opts. A
// CompressorNoOp simply returns src copied into dst. This, together with
// DecompressPayload, is the only place compressors are invoked; callers
// never write directly to snappy/zlib/zstd so that a new compressor can be
// added in one place.
func CompressPayload(src []byte, opts CompressionOpts) ([]byte, error) {
	switch opts.Compressor {
	case wiremessage.CompressorNoOp:
		dst := make([]byte, len(src))
		copy(dst, src)
		return dst, nil
	case wiremessage.CompressorSnappy:
		return snappy.Encode(nil, src), nil
	case wiremessage.CompressorZLib:
		var buf bytes.Buffer
		level := opts.ZlibLevel
		if level == 0 {
			level = wiremessage.DefaultZlibLevel
		}
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case wiremessage.CompressorZstd:
		level := opts.ZstdLevel
		if level == 0 {
			level = wiremessage.DefaultZstdLevel
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), nil
	default:
		return nil, fmt.Errorf("unknown compressor ID %d", opts.Compressor)
	}
}

// DecompressPayload decompresses src (the OP_COMPRESSED payload body) into
// the original, uncompressedSize-sized wire message body.
func DecompressPayload(src []byte, opts CompressionOpts, uncompressedSize int32) ([]byte, error) {
	switch opts.Compressor {
	case wiremessage.CompressorNoOp:
		dst := make([]byte, len(src))
		copy(dst, src)
		return dst, nil
	case wiremessage.CompressorSnappy:
		dst := make([]byte, uncompressedSize)
		return snappy.Decode(dst, src)
	case wiremessage.CompressorZLib:
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		dst := make([]byte, uncompressedSize)
		if _, err := io.ReadFull(r, dst); err != nil {
			return nil, err
		}
		return dst, nil
	case wiremessage.CompressorZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(src, make([]byte, 0, uncompressedSize))
	default:
		return nil, fmt.Errorf("unknown compressor ID %d", opts.Compressor)
	}
}

// CompressorNames maps the negotiated string names (as sent/received on the
// "compression" field of a hello reply) to their wire ids.
var CompressorNames = map[string]wiremessage.CompressorID{
	"snappy": wiremessage.CompressorSnappy,
	"zlib": wiremessage.CompressorZLib,
	"zstd": wiremessage.CompressorZstd,
}
