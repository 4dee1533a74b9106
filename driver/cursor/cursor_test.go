// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package cursor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

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

func TestNewResponseParsesFirstBatch(t *testing.T) {
	doc := buildDoc(t, "x", 1)
	idx, dst := bsoncore.AppendDocumentStart(nil)
	curIdx, dst := bsoncore.AppendDocumentElementStart(dst, "cursor")
	dst = bsoncore.AppendInt64Element(dst, "id", 42)
	dst = bsoncore.AppendStringElement(dst, "ns", "db.coll")
	arrIdx, dst := bsoncore.AppendArrayElementStart(dst, "firstBatch")
	dst = bsoncore.AppendDocumentElement(dst, "0", doc)
	dst, _ = bsoncore.AppendArrayEnd(dst, arrIdx)
	dst, _ = bsoncore.AppendDocumentEnd(dst, curIdx)
	reply, _ := bsoncore.AppendDocumentEnd(dst, idx)

	resp, err := NewResponse(reply)
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	if resp.ID != 42 {
		t.Errorf("ID = %d, want 42", resp.ID)
	}
	if resp.Namespace != "db.coll" {
		t.Errorf("Namespace = %q, want db.coll", resp.Namespace)
	}
	if len(resp.FirstBatch) != 1 {
		t.Fatalf("FirstBatch len = %d, want 1", len(resp.FirstBatch))
	}
}

// TestCursorCleanupKillsOnDrop is the "Cursor cleanup" property: after a
// Cursor with cursorId != 0 is Closed, a killCursors is observed on the
// originating server.
func TestCursorCleanupKillsOnDrop(t *testing.T) {
	var killed int64
	var killedID int64

	resp := Response{ID: 42, Namespace: "db.coll", FirstBatch: []bsoncore.Document{buildDoc(t, "a", 1)}}
	bc := NewBatchCursor(resp, nil, func(ctx context.Context, cursorID int64) error {
		atomic.AddInt64(&killed, 1)
		atomic.StoreInt64(&killedID, cursorID)
		return nil
	})

	if err := bc.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if atomic.LoadInt64(&killed) != 1 {
		t.Fatalf("killCursors called %d times, want 1", killed)
	}
	if atomic.LoadInt64(&killedID) != 42 {
		t.Fatalf("killed cursor id = %d, want 42", killedID)
	}

	// Closing twice must not fire a second killCursors.
	if err := bc.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if atomic.LoadInt64(&killed) != 1 {
		t.Fatalf("killCursors called %d times after double close, want 1", killed)
	}
}

func TestCursorNoKillWhenExhausted(t *testing.T) {
	called := false
	resp := Response{ID: 0, Namespace: "db.coll"}
	bc := NewBatchCursor(resp, nil, func(ctx context.Context, cursorID int64) error {
		called = true
		return nil
	})
	if err := bc.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if called {
		t.Fatal("killCursors must not fire for an already-exhausted cursor (id 0)")
	}
}

func TestNextFetchesMoreWhenBatchEmpty(t *testing.T) {
	resp := Response{ID: 7, Namespace: "db.coll"}
	calls := 0
	getMore := func(ctx context.Context, cursorID int64) (Response, error) {
		calls++
		if cursorID != 7 {
			t.Fatalf("getMore called with cursorID %d, want 7", cursorID)
		}
		return Response{ID: 0, FirstBatch: []bsoncore.Document{buildDoc(t, "a", 1)}}, nil
	}
	bc := NewBatchCursor(resp, getMore, nil)

	more, err := bc.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !more {
		t.Fatal("expected Next to report more documents")
	}
	if calls != 1 {
		t.Fatalf("getMore called %d times, want 1", calls)
	}
	if bc.ID() != 0 {
		t.Fatalf("cursor id = %d, want 0 (exhausted after this batch)", bc.ID())
	}

	// Next does not consume documents; drain the one fetched document.
	bc.DropFront()
	more, err = bc.Next(context.Background())
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if more {
		t.Fatal("expected no more documents once exhausted")
	}
}

func TestTryNextReturnsFalseOnEmptyBatchWithoutLooping(t *testing.T) {
	resp := Response{ID: 7, Namespace: "db.coll"}
	calls := 0
	getMore := func(ctx context.Context, cursorID int64) (Response, error) {
		calls++
		return Response{ID: 7}, nil // still open, but empty — tailable-await shape
	}
	bc := NewBatchCursor(resp, getMore, nil)

	more, err := bc.TryNext(context.Background())
	if err != nil {
		t.Fatalf("TryNext: %v", err)
	}
	if more {
		t.Fatal("TryNext should report false on an empty batch even if not exhausted")
	}
	if calls != 1 {
		t.Fatalf("TryNext should issue exactly one round trip, got %d", calls)
	}
}

func TestNextErrorPropagates(t *testing.T) {
	resp := Response{ID: 7}
	wantErr := errors.New("network blip")
	getMore := func(ctx context.Context, cursorID int64) (Response, error) {
		return Response{}, wantErr
	}
	bc := NewBatchCursor(resp, getMore, nil)

	_, err := bc.Next(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Next error = %v, want %v", err, wantErr)
	}
}

func TestDropFrontPopsOneDocument(t *testing.T) {
	resp := Response{ID: 0, FirstBatch: []bsoncore.Document{
		buildDoc(t, "a", 1),
		buildDoc(t, "a", 2),
	}}
	bc := NewBatchCursor(resp, nil, nil)
	if len(bc.Batch()) != 2 {
		t.Fatalf("Batch len = %d, want 2", len(bc.Batch()))
	}
	bc.DropFront()
	if len(bc.Batch()) != 1 {
		t.Fatalf("Batch len after DropFront = %d, want 1", len(bc.Batch()))
	}
}
