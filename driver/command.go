// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/coredb-io/godriver/mnet"
	"github.com/coredb-io/godriver/wiremessage"
)

// RunCommand sends a single, uncompressed, non-retried kind-0 OP_MSG command
// over conn and returns the raw reply document. It is the shared primitive
// used below the full Operation.Execute pipeline: by the handshake (hello),
// by driver/auth's SASL conversations, and by anything else that needs to
// round-trip exactly one command before a compressor or session context
// exists.
func RunCommand(ctx context.Context, conn mnet.Connection, db string, cmd bsoncore.Document) (bsoncore.Document, error) {
	body, err := appendDB(cmd, db)
	if err != nil {
		return nil, err
	}

	reqID := wiremessage.NextRequestID()
	wm := wiremessage.EncodeOpMsg(reqID, 0, body)

	if err := conn.Write(ctx, wm); err != nil {
		return nil, fmt.Errorf("writing command: %w", err)
	}
	reply, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading command reply: %w", err)
	}

	respTo, replyBody, err := wiremessage.DecodeOpMsg(reply)
	if err != nil {
		return nil, err
	}
	if respTo != reqID {
		return nil, fmt.Errorf("%w: responseTo %d does not match requestId %d", InvalidResponseError{Message: "mismatched response"}, respTo, reqID)
	}

	return replyBody, extractCommandError(replyBody)
}

// appendDB returns cmd with a trailing "$db" element, growing a fresh buffer
// since cmd is typically a caller-owned, already-finished document.
func appendDB(cmd bsoncore.Document, db string) (bsoncore.Document, error) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	// Copy every element of cmd except its closing null terminator.
	dst = append(dst, cmd[4:len(cmd)-1]...)
	dst = bsoncore.AppendStringElement(dst, "$db", db)
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, fmt.Errorf("appending $db: %w", err)
	}
	return dst, nil
}

// extractCommandError inspects a command reply for ok:0 and, if present,
// builds the Error value described in errors.go.
func extractCommandError(reply bsoncore.Document) error {
	okVal, err := reply.LookupErr("ok")
	if err == nil {
		if f, ok := okVal.DoubleOK(); ok && f != 0 {
			return nil
		}
		if i, ok := okVal.Int32OK(); ok && i != 0 {
			return nil
		}
	}

	de := Error{}
	if code, ok := reply.Lookup("code").Int32OK(); ok {
		de.Code = code
	}
	if name, ok := reply.Lookup("codeName").StringValueOK(); ok {
		de.Name = name
	}
	if msg, ok := reply.Lookup("errmsg").StringValueOK(); ok {
		de.Message = msg
	} else if de.Message == "" && de.Code == 0 && de.Name == "" {
		// No ok field at all and nothing else to report: treat as success
		// rather than guessing. Commands without an "ok" field don't exist
		// on real servers, but defensive callers (tests) may omit it.
		return nil
	}
	if labelsArr, ok := reply.Lookup("errorLabels").ArrayOK(); ok {
		values, _ := labelsArr.Values()
		for _, v := range values {
			if s, ok := v.StringValueOK(); ok {
				de.Labels = append(de.Labels, s)
			}
		}
	}
	de.Raw = reply
	return de
}
