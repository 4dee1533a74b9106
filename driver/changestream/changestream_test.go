// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package changestream

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/driver/cursor"
)

func buildEventDoc(t *testing.T, resumeTokenVal int32) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	tIdx, dst := bsoncore.AppendDocumentElementStart(dst, "_id")
	dst = bsoncore.AppendInt32Element(dst, "tok", resumeTokenVal)
	dst, _ = bsoncore.AppendDocumentEnd(dst, tIdx)
	dst = bsoncore.AppendStringElement(dst, "operationType", "insert")
	doc, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		t.Fatalf("building event doc: %v", err)
	}
	return doc
}

func TestResumableClassification(t *testing.T) {
	cs := &ChangeStream{}

	cases := []struct {
		name string
		err error
		want bool
	}{
		{"resumable state-change code", driver.Error{Code: 10107}, true},
		{"cursor-not-found code is not resumable", driver.Error{Code: 43}, false},
		{"network timeout classified error", driver.Error{Code: 89}, true},
		{"non-resumable override wins over code table", driver.Error{Code: 280}, false},
		{"network error not wrapped as driver.Error", fmt.Errorf("dial: %w", errNetError{}), true},
		{"plain non-network error", errors.New("boom"), false},
	}

	for _, tc := range cases {
		if got := cs.resumable(tc.err); got != tc.want {
			t.Errorf("%s: resumable() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// errNetError implements net.Error for the classification test above.
type errNetError struct{}

func (errNetError) Error() string { return "fake net error" }
func (errNetError) Timeout() bool { return false }
func (errNetError) Temporary() bool { return false }

func TestFullPipelinePrefersResumeAfterOverStartAfterAndOperationTime(t *testing.T) {
	resumeAfter := buildDocWithInt(t, "tok", 1)
	startAfter := buildDocWithInt(t, "tok", 2)
	opTime := primitive.Timestamp{T: 100, I: 1}

	cs := &ChangeStream{args: WatchArgs{
		ResumeAfter: resumeAfter,
		StartAfter: startAfter,
		StartAtOperationTime: &opTime,
	}}

	pipeline := cs.fullPipeline()
	values, err := bsoncore.Array(pipeline).Values()
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("pipeline has %d stages, want 1 ($changeStream only)", len(values))
	}
	stage, ok := values[0].DocumentOK()
	if !ok {
		t.Fatal("stage 0 is not a document")
	}
	csOpts, ok := stage.Lookup("$changeStream").DocumentOK()
	if !ok {
		t.Fatal("stage 0 missing $changeStream")
	}
	if _, err := csOpts.LookupErr("resumeAfter"); err != nil {
		t.Error("expected resumeAfter to be set when both resumeAfter and startAfter are present")
	}
	if _, err := csOpts.LookupErr("startAfter"); err == nil {
		t.Error("startAfter should be omitted when resumeAfter is set")
	}
	if _, err := csOpts.LookupErr("startAtOperationTime"); err == nil {
		t.Error("startAtOperationTime should be omitted when resumeAfter is set")
	}
}

func TestFullPipelineIncludesUserStages(t *testing.T) {
	matchIdx, matchDst := bsoncore.AppendDocumentStart(nil)
	matchDst = bsoncore.AppendStringElement(matchDst, "x", "y")
	matchDoc, _ := bsoncore.AppendDocumentEnd(matchDst, matchIdx)

	pipeIdx, pipeDst := bsoncore.AppendArrayStart(nil)
	pipeDst = bsoncore.AppendDocumentElement(pipeDst, "0", matchDoc)
	userPipeline, _ := bsoncore.AppendArrayEnd(pipeDst, pipeIdx)

	cs := &ChangeStream{args: WatchArgs{Pipeline: userPipeline}}
	full := cs.fullPipeline()
	values, err := bsoncore.Array(full).Values()
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("pipeline has %d stages, want 2 ($changeStream + 1 user stage)", len(values))
	}
	stage1, ok := values[1].DocumentOK()
	if !ok {
		t.Fatal("stage 1 is not a document")
	}
	if _, err := stage1.LookupErr("x"); err != nil {
		t.Error("expected the user's $match stage to be preserved verbatim")
	}
}

func buildDocWithInt(t *testing.T, key string, val int32) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, key, val)
	doc, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		t.Fatalf("building doc: %v", err)
	}
	return doc
}

func TestObserveEventCachesResumeTokenAndDrainsBatch(t *testing.T) {
	e1 := buildEventDoc(t, 1)
	e2 := buildEventDoc(t, 2)
	bc := cursor.NewBatchCursor(cursor.Response{ID: 0, FirstBatch: []bsoncore.Document{e1, e2}}, nil, nil)

	cs := &ChangeStream{cursor: bc}

	got, err := cs.observeEvent(bc.Batch()[0])
	if err != nil {
		t.Fatalf("observeEvent: %v", err)
	}
	if string(got) != string(e1) {
		t.Fatal("observeEvent should return the document it was given")
	}
	if len(bc.Batch()) != 1 {
		t.Fatalf("batch should be drained by one after observeEvent, got len %d", len(bc.Batch()))
	}
	if cs.ResumeToken() == nil {
		t.Fatal("expected a cached resume token after observing an event")
	}
}

func TestObserveEventMissingIDClosesStream(t *testing.T) {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendStringElement(dst, "operationType", "insert")
	noIDDoc, _ := bsoncore.AppendDocumentEnd(dst, idx)

	bc := cursor.NewBatchCursor(cursor.Response{ID: 0, FirstBatch: []bsoncore.Document{noIDDoc}}, nil, nil)
	cs := &ChangeStream{cursor: bc}

	if _, err := cs.observeEvent(noIDDoc); !errors.Is(err, ErrMissingResumeToken) {
		t.Fatalf("got %v, want ErrMissingResumeToken", err)
	}

	cs.mu.Lock()
	closed := cs.closed
	cs.mu.Unlock()
	if !closed {
		t.Fatal("a missing resume token should close the stream")
	}
}

func TestNextReturnsCachedEventsInOrder(t *testing.T) {
	e1 := buildEventDoc(t, 1)
	e2 := buildEventDoc(t, 2)
	bc := cursor.NewBatchCursor(cursor.Response{ID: 0, FirstBatch: []bsoncore.Document{e1, e2}}, nil, nil)
	cs := &ChangeStream{cursor: bc}

	got1, err := cs.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(got1) != string(e1) {
		t.Fatal("expected the first cached event first")
	}

	got2, err := cs.Next(context.Background())
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if string(got2) != string(e2) {
		t.Fatal("expected the second cached event second")
	}

	got3, err := cs.Next(context.Background())
	if err != nil {
		t.Fatalf("third Next: %v", err)
	}
	if got3 != nil {
		t.Fatal("expected nil once the batch and cursor are exhausted")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	bc := cursor.NewBatchCursor(cursor.Response{ID: 0}, nil, nil)
	cs := &ChangeStream{cursor: bc}

	if err := cs.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cs.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := cs.Next(context.Background()); err == nil {
		t.Fatal("Next after Close should error")
	}
}
