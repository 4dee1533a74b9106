// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson/bsoncore"
)

func buildDoc(t *testing.T, key string, val int32) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, key, val)
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		t.Fatalf("building doc: %v", err)
	}
	return dst
}

// TestOpMsgRoundTrip is the Wire round-trip property: a Command serialized
// then parsed on a loopback buffer equals the original body byte-for-byte.
func TestOpMsgRoundTrip(t *testing.T) {
	body := buildDoc(t, "ping", 1)
	reqID := NextRequestID()

	wm := EncodeOpMsg(reqID, 0, body)

	gotRespTo, gotBody, err := DecodeOpMsg(wm)
	if err != nil {
		t.Fatalf("DecodeOpMsg: %v", err)
	}
	if gotRespTo != 0 {
		t.Fatalf("responseTo = %d, want 0 (request side doesn't set it)", gotRespTo)
	}
	if diff := cmp.Diff([]byte(body), []byte(gotBody)); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
}

// TestRequestResponseCorrelation is the correlation property: a reply's
// responseTo must equal the originating requestId.
func TestRequestResponseCorrelation(t *testing.T) {
	reqID := NextRequestID()
	body := buildDoc(t, "ok", 1)

	idx, dst := AppendHeaderStart(nil, NextRequestID(), reqID, OpMsg)
	dst = AppendMsgFlags(dst, 0)
	dst = AppendMsgSectionType(dst, SectionKindBody)
	dst = append(dst, body...)
	reply := UpdateLength(dst, idx, int32(len(dst)))

	respTo, _, err := DecodeOpMsg(reply)
	if err != nil {
		t.Fatalf("DecodeOpMsg: %v", err)
	}
	if respTo != reqID {
		t.Fatalf("responseTo = %d, want %d", respTo, reqID)
	}
}

func TestNextRequestIDMonotonic(t *testing.T) {
	a := NextRequestID()
	b := NextRequestID()
	if b <= a {
		t.Fatalf("NextRequestID not monotonic: %d then %d", a, b)
	}
}

func TestReadHeaderShortBuffer(t *testing.T) {
	_, _, _, _, _, ok := ReadHeader([]byte{1, 2, 3})
	if ok {
		t.Fatal("ReadHeader should reject a buffer shorter than 16 bytes")
	}
}

func TestIsRedactedCommand(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"authenticate", true},
		{"saslStart", true},
		{"saslContinue", true},
		{"createUser", true},
		{"find", false},
		{"ping", false},
	}
	for _, tc := range cases {
		if got := IsRedactedCommand(tc.name); got != tc.want {
			t.Errorf("IsRedactedCommand(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEncodeOpMsgWithSequenceRoundTrip(t *testing.T) {
	body := buildDoc(t, "insert", 1)
	docs := []bsoncore.Document{
		buildDoc(t, "a", 1),
		buildDoc(t, "a", 2),
	}
	reqID := NextRequestID()
	wm := EncodeOpMsgWithSequence(reqID, 0, body, "documents", docs)

	_, gotBody, err := DecodeOpMsg(wm)
	if err != nil {
		t.Fatalf("DecodeOpMsg: %v", err)
	}
	if diff := cmp.Diff([]byte(body), []byte(gotBody)); diff != "" {
		t.Fatalf("kind-0 body mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeOpMsgRejectsWrongOpcode(t *testing.T) {
	idx, dst := AppendHeaderStart(nil, 1, 0, OpReply)
	dst = UpdateLength(dst, idx, int32(len(dst)))
	if _, _, err := DecodeOpMsg(dst); err == nil {
		t.Fatal("expected an error decoding a non-OP_MSG opcode")
	}
}

func TestCompressedPayloadRoundTrip(t *testing.T) {
	orig := buildDoc(t, "ping", 1)
	compressed := []byte("not-really-compressed-but-opaque-to-this-layer")

	var dst []byte
	dst = AppendCompressedOriginalOpCode(dst, OpMsg)
	dst = AppendCompressedUncompressedSize(dst, int32(len(orig)))
	dst = AppendCompressedCompressorID(dst, CompressorSnappy)
	dst = AppendCompressedCompressedMessage(dst, compressed)

	gotOpcode, gotSize, gotID, gotCompressed, err := ReadCompressed(dst)
	if err != nil {
		t.Fatalf("ReadCompressed: %v", err)
	}
	if gotOpcode != OpMsg {
		t.Errorf("opcode = %v, want %v", gotOpcode, OpMsg)
	}
	if gotSize != int32(len(orig)) {
		t.Errorf("uncompressedSize = %d, want %d", gotSize, len(orig))
	}
	if gotID != CompressorSnappy {
		t.Errorf("compressorID = %v, want %v", gotID, CompressorSnappy)
	}
	if diff := cmp.Diff(compressed, gotCompressed); diff != "" {
		t.Fatalf("compressed payload mismatch (-want +got):\n%s", diff)
	}
}
