// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package cursor implements the batch cursor state machine shared by every
// command that returns a server-side cursor (find, aggregate,
// listCollections, listIndexes, change streams).
package cursor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/bsoncore"
)

// Response is the "cursor" sub-document of a find/aggregate/getMore reply.
type Response struct {
	ID int64
	Namespace string
	FirstBatch []bsoncore.Document
	PostBatchResumeToken bsoncore.Document
}

// NewResponse parses the "cursor" sub-document out of a raw command reply.
// The batch key is "firstBatch" on the initial find/aggregate response and
// "nextBatch" on every getMore response.
func NewResponse(reply bsoncore.Document) (Response, error) {
	cur, ok := reply.Lookup("cursor").DocumentOK()
	if !ok {
		return Response{}, errors.New("cursor: reply has no cursor field")
	}

	var resp Response
	if id, ok := cur.Lookup("id").AsInt64OK(); ok {
		resp.ID = id
	}
	if ns, ok := cur.Lookup("ns").StringValueOK(); ok {
		resp.Namespace = ns
	}
	if tok, ok := cur.Lookup("postBatchResumeToken").DocumentOK(); ok {
		resp.PostBatchResumeToken = tok
	}

	batchKey := "firstBatch"
	if _, err := cur.LookupErr("nextBatch"); err == nil {
		batchKey = "nextBatch"
	}
	arr, ok := cur.Lookup(batchKey).ArrayOK()
	if !ok {
		return resp, nil
	}
	values, err := arr.Values()
	if err != nil {
		return Response{}, err
	}
	resp.FirstBatch = make([]bsoncore.Document, 0, len(values))
	for _, v := range values {
		if doc, ok := v.DocumentOK(); ok {
			resp.FirstBatch = append(resp.FirstBatch, doc)
		}
	}
	return resp, nil
}

// state is the lifecycle a BatchCursor moves through.
type state uint8

const (
	stateIdle state = iota
	statePolling
	stateExhausted
	stateClosed
)

// killCursorsTimeout bounds the best-effort killCursors sent when a cursor
// with a live server-side id is closed before exhaustion. A cursor that is
// never closed sends no killCursors.
const killCursorsTimeout = 5 * time.Second

// GetMoreFunc issues a getMore for the cursor id captured by the closure
// and returns the next Response.
type GetMoreFunc func(ctx context.Context, cursorID int64) (Response, error)

// KillCursorsFunc issues a best-effort killCursors for the given id. It is
// always called with a background context bounded by killCursorsTimeout,
// never the caller's ctx, so a cancelled Next doesn't also cancel cleanup.
type KillCursorsFunc func(ctx context.Context, cursorID int64) error

// BatchCursor iterates the batches of a server-side cursor, issuing getMore
// as each batch is exhausted and killCursors when the cursor is closed
// before the server reports id 0.
type BatchCursor struct {
	mu sync.Mutex
	id int64
	namespace string
	batch []bsoncore.Document
	postBatchResumeToken bsoncore.Document
	st state

	getMore GetMoreFunc
	killCursors KillCursorsFunc
}

// NewBatchCursor constructs a BatchCursor from the initial find/aggregate
// response, wiring the getMore/killCursors callbacks an Operation builder
// configures with its own deployment/session/selector context.
func NewBatchCursor(resp Response, getMore GetMoreFunc, killCursors KillCursorsFunc) *BatchCursor {
	bc := &BatchCursor{
		id: resp.ID,
		namespace: resp.Namespace,
		batch: resp.FirstBatch,
		postBatchResumeToken: resp.PostBatchResumeToken,
		getMore: getMore,
		killCursors: killCursors,
	}
	if bc.id == 0 {
		bc.st = stateExhausted
	} else {
		bc.st = stateIdle
	}
	return bc
}

// ID returns the server-side cursor id, or 0 once the server has reported
// the cursor exhausted.
func (bc *BatchCursor) ID() int64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.id
}

// Namespace returns the fully qualified collection namespace the cursor was
// opened against.
func (bc *BatchCursor) Namespace() string {
	return bc.namespace
}

// PostBatchResumeToken returns the resume token from the most recently
// fetched batch, used by change streams to resume after a batch boundary.
func (bc *BatchCursor) PostBatchResumeToken() bsoncore.Document {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.postBatchResumeToken
}

// Batch returns the documents of the current, not-yet-drained batch.
func (bc *BatchCursor) Batch() []bsoncore.Document {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.batch
}

// DropFront removes the first document of the current batch. Callers that
// consume documents one at a time (change streams) use this to drain the
// batch in step with what they've actually handed to their own caller,
// rather than Next's coarser "is there at least one document" signal.
func (bc *BatchCursor) DropFront() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.batch) > 0 {
		bc.batch = bc.batch[1:]
	}
}

// Next reports whether the current batch holds at least one document,
// fetching another batch via getMore while it is empty and the cursor is not
// yet exhausted. It does not remove documents from the batch; callers drain
// it with DropFront. It blocks until a non-empty batch is available, the
// cursor is exhausted, or ctx is cancelled; callers that want a single round
// trip with no retry loop should use TryNext.
func (bc *BatchCursor) Next(ctx context.Context) (bool, error) {
	for {
		bc.mu.Lock()
		if bc.st == stateClosed {
			bc.mu.Unlock()
			return false, errors.New("cursor: already closed")
		}
		if len(bc.batch) > 0 {
			bc.mu.Unlock()
			return true, nil
		}
		if bc.st == stateExhausted {
			bc.mu.Unlock()
			return false, nil
		}
		bc.mu.Unlock()

		more, err := bc.fetchMore(ctx)
		if err != nil {
			return false, err
		}
		if !more && bc.st == stateExhausted {
			return false, nil
		}
	}
}

// TryNext attempts exactly one getMore if the current batch is empty,
// returning immediately with whatever the server reports rather than
// looping until data or exhaustion; used by tailable-await cursors and
// change streams that must not block their caller's polling cadence.
func (bc *BatchCursor) TryNext(ctx context.Context) (bool, error) {
	bc.mu.Lock()
	if bc.st == stateClosed {
		bc.mu.Unlock()
		return false, errors.New("cursor: already closed")
	}
	if len(bc.batch) > 0 {
		bc.mu.Unlock()
		return true, nil
	}
	if bc.st == stateExhausted {
		bc.mu.Unlock()
		return false, nil
	}
	bc.mu.Unlock()
	return bc.fetchMore(ctx)
}

func (bc *BatchCursor) fetchMore(ctx context.Context) (bool, error) {
	bc.mu.Lock()
	id := bc.id
	getMore := bc.getMore
	bc.st = statePolling
	bc.mu.Unlock()

	if getMore == nil {
		bc.mu.Lock()
		bc.st = stateExhausted
		bc.mu.Unlock()
		return false, nil
	}

	resp, err := getMore(ctx, id)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	if err != nil {
		bc.st = stateIdle
		return false, err
	}
	bc.id = resp.ID
	bc.batch = resp.FirstBatch
	if resp.PostBatchResumeToken != nil {
		bc.postBatchResumeToken = resp.PostBatchResumeToken
	}
	if bc.id == 0 {
		bc.st = stateExhausted
	} else {
		bc.st = stateIdle
	}
	return len(bc.batch) > 0, nil
}

// Close kills the server-side cursor, if one is still live, and marks the
// BatchCursor unusable. It is safe to call more than once.
func (bc *BatchCursor) Close(ctx context.Context) error {
	bc.mu.Lock()
	if bc.st == stateClosed {
		bc.mu.Unlock()
		return nil
	}
	id := bc.id
	killCursors := bc.killCursors
	bc.st = stateClosed
	bc.batch = nil
	bc.mu.Unlock()

	if id == 0 || killCursors == nil {
		return nil
	}
	killCtx, cancel := context.WithTimeout(context.Background(), killCursorsTimeout)
	defer cancel()
	return killCursors(killCtx, id)
}
