// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/bsoncore"
)

// EncodeOpMsg frames a single kind-0 OP_MSG command body into a complete
// wire message (header + flags + one section), It is the
// common path used both by the handshake/auth bootstrap and by the
// operation executor when there is no bulk (kind-1) payload to attach.
func EncodeOpMsg(reqID int32, flags uint32, body bsoncore.Document) []byte {
	idx, dst := AppendHeaderStart(nil, reqID, 0, OpMsg)
	dst = AppendMsgFlags(dst, flags)
	dst = AppendMsgSectionType(dst, SectionKindBody)
	dst = append(dst, body...)
	return UpdateLength(dst, idx, int32(len(dst)))
}

// EncodeOpMsgWithSequence frames an OP_MSG with a kind-0 body section
// followed by one kind-1 document-sequence section, used for the bulk
// `documents`/`updates`/`deletes` payloads
func EncodeOpMsgWithSequence(reqID int32, flags uint32, body bsoncore.Document, identifier string, docs []bsoncore.Document) []byte {
	idx, dst := AppendHeaderStart(nil, reqID, 0, OpMsg)
	dst = AppendMsgFlags(dst, flags)

	dst = AppendMsgSectionType(dst, SectionKindBody)
	dst = append(dst, body...)

	dst = AppendMsgSectionType(dst, SectionKindDocumentSequence)
	seqIdx := int32(len(dst))
	dst = appendi32(dst, 0) // section size placeholder, patched below
	dst = AppendMsgSectionDocumentSequenceIdentifier(dst, identifier)
	for _, d := range docs {
		dst = append(dst, d...)
	}
	// The kind-1 section size field includes itself, the identifier, and
	// all documents, but not the leading section-kind byte.
	dst = UpdateLength(dst, seqIdx, int32(len(dst))-seqIdx)

	return UpdateLength(dst, idx, int32(len(dst)))
}

// DecodeOpMsg parses a complete OP_MSG wire message, returning the
// responseTo correlation field and the kind-0 body section. Kind-1
// sections, if present, are checked for framing and skipped; their documents
// are not added to the returned body. Any opcode other than OP_MSG is
// rejected.
func DecodeOpMsg(wm []byte) (responseTo int32, body bsoncore.Document, err error) {
	length, _, respTo, opcode, rem, ok := ReadHeader(wm)
	if !ok {
		return 0, nil, fmt.Errorf("%w: short header", ErrMalformedMessage)
	}
	if int(length) != len(wm) {
		return 0, nil, fmt.Errorf("%w: declared length %d does not match buffer length %d", ErrMalformedMessage, length, len(wm))
	}
	if opcode != OpMsg {
		return 0, nil, fmt.Errorf("%w: expected OP_MSG, got %s", ErrMalformedMessage, opcode)
	}

	_, rem, ok = readi32FromFlags(rem)
	if !ok {
		return 0, nil, fmt.Errorf("%w: missing flags", ErrMalformedMessage)
	}

	for len(rem) > 0 {
		kind := int32(rem[0])
		rem = rem[1:]
		switch kind {
		case SectionKindBody:
			var doc bsoncore.Document
			doc, rem, ok = bsoncore.ReadDocument(rem)
			if !ok {
				return 0, nil, fmt.Errorf("%w: malformed body section", ErrMalformedMessage)
			}
			body = doc
		case SectionKindDocumentSequence:
			if len(rem) < 4 {
				return 0, nil, fmt.Errorf("%w: short document sequence", ErrMalformedMessage)
			}
			size, _, _ := readi32(rem)
			if int(size) > len(rem) {
				return 0, nil, fmt.Errorf("%w: document sequence size exceeds buffer", ErrMalformedMessage)
			}
			seq := rem[4:size]
			rem = rem[size:]
			// skip the cstring identifier
			nul := indexByte(seq, 0)
			if nul < 0 {
				return 0, nil, fmt.Errorf("%w: unterminated sequence identifier", ErrMalformedMessage)
			}
			seq = seq[nul+1:]
			for len(seq) > 0 {
				var doc bsoncore.Document
				doc, seq, ok = bsoncore.ReadDocument(seq)
				if !ok {
					break
				}
				_ = doc // sequence documents aren't needed by any reply this driver parses today
			}
		default:
			return 0, nil, fmt.Errorf("%w: unknown section kind %d", ErrMalformedMessage, kind)
		}
	}

	return respTo, body, nil
}

func readi32FromFlags(src []byte) (uint32, []byte, bool) {
	v, rem, ok := readi32(src)
	return uint32(v), rem, ok
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
