// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage implements the framing contract: a 16-byte header
// followed by an OP_MSG or OP_COMPRESSED payload.
package wiremessage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson/bsoncore"
)

// OpCode is a wire protocol message type.
type OpCode int32

// OpCode constants used by the core.
const (
	OpReply OpCode = 1
	OpQuery OpCode = 2004
	OpCompressed OpCode = 2012
	OpMsg OpCode = 2013
)

func (code OpCode) String() string {
	switch code {
	case OpReply:
		return "OP_REPLY"
	case OpQuery:
		return "OP_QUERY"
	case OpCompressed:
		return "OP_COMPRESSED"
	case OpMsg:
		return "OP_MSG"
	default:
		return "<unknown opcode>"
	}
}

// OP_MSG flag bits.
const (
	ChecksumPresent uint32 = 1 << 0
	MoreToCome uint32 = 1 << 1
	ExhaustAllowed uint32 = 1 << 16
)

// OP_MSG section kinds.
const (
	SectionKindBody int32 = 0
	SectionKindDocumentSequence int32 = 1
)

// CompressorID identifies the compressor used for an OP_COMPRESSED
// payload.
type CompressorID uint8

// Compressor ids.
const (
	CompressorNoOp CompressorID = 0
	CompressorSnappy CompressorID = 1
	CompressorZLib CompressorID = 2
	CompressorZstd CompressorID = 3
)

// Default compression levels.
const (
	DefaultZlibLevel = 6
	DefaultZstdLevel = 6
)

// globalRequestID is the process-wide monotonically increasing requestId
// counter ("requestId generation").
var globalRequestID int32

// NextRequestID returns the next value for the requestId field.
func NextRequestID() int32 {
	return atomic.AddInt32(&globalRequestID, 1)
}

// commandNamesToNotCompressOrRedact holds command names that must never be
// compressed, and whose command events must never log the command body.
var commandNamesToNotCompressOrRedact = map[string]struct{}{
	"authenticate": {},
	"saslStart": {},
	"saslContinue": {},
	"getnonce": {},
	"createUser": {},
	"updateUser": {},
	"copydbgetnonce": {},
	"copydbsaslstart": {},
	"copydb": {},
}

// IsRedactedCommand reports whether command events for cmdName must redact
// the body and the wire payload must never be compressed.
func IsRedactedCommand(cmdName string) bool {
	_, ok := commandNamesToNotCompressOrRedact[cmdName]
	return ok
}

// AppendHeaderStart appends a message header with a placeholder length and
// returns the index of the length field (to be patched with UpdateLength
// once the full message is built) along with the new slice.
func AppendHeaderStart(dst []byte, reqID, respTo int32, opcode OpCode) (int32, []byte) {
	idx := int32(len(dst))
	dst = appendi32(dst, 0) // length placeholder
	dst = appendi32(dst, reqID)
	dst = appendi32(dst, respTo)
	dst = appendi32(dst, int32(opcode))
	return idx, dst
}

// UpdateLength patches the 4-byte little-endian length field at idx within
// dst with the value length.
func UpdateLength(dst []byte, idx, length int32) []byte {
	binary.LittleEndian.PutUint32(dst[idx:], uint32(length))
	return dst
}

func appendi32(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendu32(dst []byte, v uint32) []byte {
	return appendi32(dst, int32(v))
}

func readi32(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(binary.LittleEndian.Uint32(src)), src[4:], true
}

// ReadHeader parses the 16-byte message header from src, returning the
// remaining bytes (the payload) and ok=false if src is too short.
func ReadHeader(src []byte) (length, requestID, responseTo int32, opcode OpCode, rem []byte, ok bool) {
	if len(src) < 16 {
		return 0, 0, 0, 0, src, false
	}
	length, rem, ok = readi32(src)
	if !ok {
		return
	}
	requestID, rem, ok = readi32(rem)
	if !ok {
		return
	}
	responseTo, rem, ok = readi32(rem)
	if !ok {
		return
	}
	var code int32
	code, rem, ok = readi32(rem)
	opcode = OpCode(code)
	return
}

// AppendMsgFlags appends the OP_MSG flag bits.
func AppendMsgFlags(dst []byte, flags uint32) []byte {
	return appendu32(dst, flags)
}

// AppendMsgSectionType appends a one-byte section kind.
func AppendMsgSectionType(dst []byte, kind int32) []byte {
	return append(dst, byte(kind))
}

// AppendMsgSectionDocumentSequenceIdentifier appends the cstring identifier
// (e.g. "documents", "updates", "deletes") of a kind-1 section.
func AppendMsgSectionDocumentSequenceIdentifier(dst []byte, identifier string) []byte {
	return append(append(dst, identifier...), 0x00)
}

// AppendCompressedOriginalOpCode appends the original opcode of an
// OP_COMPRESSED payload.
func AppendCompressedOriginalOpCode(dst []byte, opcode OpCode) []byte {
	return appendi32(dst, int32(opcode))
}

// AppendCompressedUncompressedSize appends the uncompressed size field.
func AppendCompressedUncompressedSize(dst []byte, size int32) []byte {
	return appendi32(dst, size)
}

// AppendCompressedCompressorID appends the single-byte compressor id.
func AppendCompressedCompressorID(dst []byte, id CompressorID) []byte {
	return append(dst, byte(id))
}

// AppendCompressedCompressedMessage appends the compressed payload bytes.
func AppendCompressedCompressedMessage(dst []byte, compressed []byte) []byte {
	return append(dst, compressed...)
}

// ErrMalformedMessage is returned when a wire message cannot be parsed.
var ErrMalformedMessage = errors.New("malformed wire message")

// ReadCompressed parses an OP_COMPRESSED payload.
func ReadCompressed(payload []byte) (originalOpcode OpCode, uncompressedSize int32, compressorID CompressorID, compressed []byte, err error) {
	var code int32
	code, payload, ok := readi32(payload)
	if !ok {
		return 0, 0, 0, nil, fmt.Errorf("%w: compressed header too short", ErrMalformedMessage)
	}
	originalOpcode = OpCode(code)
	uncompressedSize, payload, ok = readi32(payload)
	if !ok {
		return 0, 0, 0, nil, fmt.Errorf("%w: compressed header too short", ErrMalformedMessage)
	}
	if len(payload) < 1 {
		return 0, 0, 0, nil, fmt.Errorf("%w: missing compressor id", ErrMalformedMessage)
	}
	compressorID = CompressorID(payload[0])
	compressed = payload[1:]
	return originalOpcode, uncompressedSize, compressorID, compressed, nil
}

// Section is a single OP_MSG section: either a kind-0 body document or a
// kind-1 document sequence.
type Section struct {
	Kind int32
	Body bsoncore.Document // kind 0
	Identifier string // kind 1
	Documents []bsoncore.Document
}
