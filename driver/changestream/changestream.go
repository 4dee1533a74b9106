// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package changestream implements the resumable aggregation cursor
// described as the Change Stream component: a cursor whose
// first pipeline stage is $changeStream, wrapped with resume-on-error
// logic that rebuilds the underlying cursor instead of surfacing
// transient topology errors to the caller.
package changestream

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/driver/cursor"
	"github.com/coredb-io/godriver/driver/operation"
	"github.com/coredb-io/godriver/driver/session"
	"github.com/coredb-io/godriver/event"
	"github.com/coredb-io/godriver/internal/logger"
)

// StreamType records what a change stream was opened against, mirroring
// the aggregate command shape difference between a collection-scoped,
// database-scoped, and deployment-scoped ($changeStream
// against a single collection, a whole database, or the whole
// deployment via "allChangesForCluster").
type StreamType uint8

// StreamType constants.
const (
	CollectionStream StreamType = iota
	DatabaseStream
	DeploymentStream
)

// resumableCodes is the resumable-error code set, pinned as of the server
// versions this was authored against. It should track the official
// resumable-error list over time rather than stay frozen, so this is a
// package-level var rather than a const table.
var resumableCodes = map[int32]struct{}{
	6: {}, 7: {}, 89: {}, 91: {}, 189: {}, 262: {}, 9001: {},
	10107: {}, 11600: {}, 11602: {}, 13435: {}, 13436: {},
	63: {}, 150: {}, 13388: {}, 234: {}, 133: {},
}

// nonResumableOverrides takes priority over resumableCodes: errors with
// these codes never trigger a resume even though their code might
// otherwise look like a state-change error (e.g. an explicit
// "ChangeStreamFatalError").
var nonResumableOverrides = map[int32]struct{}{
	280: {}, // ChangeStreamFatalError
}

// ErrMissingResumeToken is returned (and the stream closed) when a server
// event is missing its `_id`, since a stream that cannot produce a resume
// token can never recover from a later error.
var ErrMissingResumeToken = errors.New("changestream: event document is missing a resume token")

// WatchArgs records everything needed to rebuild the underlying aggregate
// after a resumable error: the user's pipeline stages (not including
// $changeStream itself), the target the stream was opened against, and the
// options that seeded the original $changeStream stage.
type WatchArgs struct {
	Type StreamType
	Database string
	Collection string // empty for Database/DeploymentStream
	Pipeline bsoncore.Array // user stages, $changeStream excluded

	FullDocument string
	FullDocumentBeforeChange string
	BatchSize *int32
	MaxAwaitTimeMS *int64
	Comment *string
	Collation bsoncore.Document

	ResumeAfter bsoncore.Document
	StartAfter bsoncore.Document
	StartAtOperationTime *primitive.Timestamp
}

// Config bundles the deployment-facing wiring a ChangeStream needs to
// (re)build its aggregate: everything Aggregate/GetMore/KillCursors need
// that isn't part of WatchArgs itself.
type Config struct {
	Deployment driver.Deployment
	Selector description.ServerSelector
	Session *session.ClientSession
	Clock *session.ClusterClock
	Monitor *event.CommandMonitor
	Logger *logger.Logger
	ReadConcern bsoncore.Document
	ServerAPI *driver.ServerAPIOptions
}

// ChangeStream is a resumable aggregation cursor over a $changeStream
// pipeline: Idle(cursor)/Polling/Resuming->Idle(newCursor), modeled here as
// a mutex-guarded swap of the underlying cursor.BatchCursor rather than an
// explicit tagged-variant type, since Go has no poll-driven future to
// self-reference around.
type ChangeStream struct {
	mu sync.Mutex

	args WatchArgs
	cfg Config

	cursor *cursor.BatchCursor

	resumeToken bsoncore.Document
	postBatchResumeToken bsoncore.Document

	// startAfter/startAtOperationTime cache the original Watch options so
	// resume() can fall back to them; cs.args' copies get overwritten on
	// every resume and can't be used for that.
	startAfter bsoncore.Document
	startAtOperationTime *primitive.Timestamp

	sawEvent bool
	closed bool
}

// Open runs the initial aggregate and returns a ready-to-use ChangeStream.
func Open(ctx context.Context, args WatchArgs, cfg Config) (*ChangeStream, error) {
	cs := &ChangeStream{
		args: args,
		cfg: cfg,
		startAfter: args.StartAfter,
		startAtOperationTime: args.StartAtOperationTime,
	}
	if args.ResumeAfter != nil {
		cs.resumeToken = args.ResumeAfter
	}
	if err := cs.build(ctx); err != nil {
		return nil, err
	}
	return cs, nil
}

// build (re)runs the aggregate for the current cs.args and replaces
// cs.cursor. Called once by Open and again by resume() after a resumable
// error.
func (cs *ChangeStream) build(ctx context.Context) error {
	pipeline := cs.fullPipeline()

	agg := &operation.Aggregate{
		Collection: cs.args.Collection,
		Pipeline: pipeline,
		BatchSize: cs.args.BatchSize,
		Session: cs.cfg.Session,
		Clock: cs.cfg.Clock,
		Monitor: cs.cfg.Monitor,
		Logger: cs.cfg.Logger,
		Database: cs.args.Database,
		Deployment: cs.cfg.Deployment,
		ReadConcern: cs.cfg.ReadConcern,
		Selector: cs.cfg.Selector,
		ServerAPI: cs.cfg.ServerAPI,
	}
	if err := agg.Execute(ctx); err != nil {
		return err
	}

	bc := agg.Result()
	cs.mu.Lock()
	cs.cursor = bc
	cs.mu.Unlock()

	if batch := bc.Batch(); len(batch) > 0 {
		// Leave the first batch in place for Next to drain; don't consume
		// a resume token here since Next/TryNext already do so uniformly.
		return nil
	}
	if pbrt := bc.PostBatchResumeToken(); pbrt != nil {
		cs.mu.Lock()
		cs.postBatchResumeToken = pbrt
		cs.mu.Unlock()
	}
	return nil
}

// fullPipeline prepends a freshly built $changeStream stage to the user's
// pipeline stages.
func (cs *ChangeStream) fullPipeline() bsoncore.Array {
	csStageIdx, csStageDst := bsoncore.AppendDocumentStart(nil)
	optIdx, optDst := bsoncore.AppendDocumentElementStart(csStageDst, "$changeStream")

	if cs.args.Type == DeploymentStream {
		optDst = bsoncore.AppendBooleanElement(optDst, "allChangesForCluster", true)
	}
	if cs.args.FullDocument != "" {
		optDst = bsoncore.AppendStringElement(optDst, "fullDocument", cs.args.FullDocument)
	}
	if cs.args.FullDocumentBeforeChange != "" {
		optDst = bsoncore.AppendStringElement(optDst, "fullDocumentBeforeChange", cs.args.FullDocumentBeforeChange)
	}
	if cs.args.MaxAwaitTimeMS != nil {
		// maxAwaitTimeMS is not part of the $changeStream stage. It is kept
		// on WatchArgs but not sent: neither the aggregate nor its getMores
		// carry it.
		_ = cs.args.MaxAwaitTimeMS
	}

	switch {
	case cs.args.ResumeAfter != nil:
		optDst = bsoncore.AppendDocumentElement(optDst, "resumeAfter", cs.args.ResumeAfter)
	case cs.args.StartAfter != nil:
		optDst = bsoncore.AppendDocumentElement(optDst, "startAfter", cs.args.StartAfter)
	case cs.args.StartAtOperationTime != nil:
		optDst = bsoncore.AppendTimestampElement(optDst, "startAtOperationTime", cs.args.StartAtOperationTime.T, cs.args.StartAtOperationTime.I)
	}

	optDst, _ = bsoncore.AppendDocumentEnd(optDst, optIdx)
	csStageDst, _ = bsoncore.AppendDocumentEnd(optDst, csStageIdx)

	idx, dst := bsoncore.AppendArrayStart(nil)
	dst = bsoncore.AppendDocumentElement(dst, "0", csStageDst)

	values, _ := bsoncore.Array(cs.args.Pipeline).Values()
	for i, v := range values {
		if doc, ok := v.DocumentOK(); ok {
			dst = bsoncore.AppendDocumentElement(dst, itoa(i+1), doc)
		}
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, idx)
	return dst
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// Next blocks until an event is available, a resumable error is recovered
// from transparently, or ctx is cancelled / a non-resumable error occurs.
func (cs *ChangeStream) Next(ctx context.Context) (bsoncore.Document, error) {
	for {
		cs.mu.Lock()
		if cs.closed {
			cs.mu.Unlock()
			return nil, errors.New("changestream: already closed")
		}
		bc := cs.cursor
		cs.mu.Unlock()

		more, err := bc.Next(ctx)
		if err != nil {
			if cs.resumable(err) {
				if rerr := cs.resume(ctx); rerr != nil {
					return nil, rerr
				}
				continue
			}
			return nil, err
		}
		if !more {
			cs.mu.Lock()
			if pbrt := bc.PostBatchResumeToken(); pbrt != nil {
				cs.postBatchResumeToken = pbrt
			}
			cs.mu.Unlock()
			return nil, nil
		}

		batch := bc.Batch()
		doc := batch[0]
		return cs.observeEvent(doc)
	}
}

// TryNext issues at most one round trip and returns (nil, nil) if the
// fetched batch is empty, even if the cursor is not exhausted — used to
// capture a fresh postBatchResumeToken without blocking the caller.
func (cs *ChangeStream) TryNext(ctx context.Context) (bsoncore.Document, error) {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil, errors.New("changestream: already closed")
	}
	bc := cs.cursor
	cs.mu.Unlock()

	more, err := bc.TryNext(ctx)
	if err != nil {
		if cs.resumable(err) {
			if rerr := cs.resume(ctx); rerr != nil {
				return nil, rerr
			}
			return nil, nil
		}
		return nil, err
	}
	if !more {
		cs.mu.Lock()
		if pbrt := bc.PostBatchResumeToken(); pbrt != nil {
			cs.postBatchResumeToken = pbrt
		}
		cs.mu.Unlock()
		return nil, nil
	}
	batch := bc.Batch()
	return cs.observeEvent(batch[0])
}

// observeEvent pops the consumed document off the cursor's batch (the
// BatchCursor itself only exposes a read view; draining is this package's
// responsibility since change-stream consumers read one document at a
// time) and caches its _id as the new resume token.
func (cs *ChangeStream) observeEvent(doc bsoncore.Document) (bsoncore.Document, error) {
	idVal, err := doc.LookupErr("_id")
	if err != nil {
		_ = cs.Close(context.Background())
		return nil, ErrMissingResumeToken
	}
	tok, ok := idVal.DocumentOK()
	if !ok {
		_ = cs.Close(context.Background())
		return nil, ErrMissingResumeToken
	}

	cs.mu.Lock()
	cs.resumeToken = tok
	cs.sawEvent = true
	bc := cs.cursor
	cs.mu.Unlock()

	bc.DropFront()
	return doc, nil
}

// resumable classifies err as recoverable without surfacing to the caller:
// a network error, or a server error whose code is in resumableCodes and
// not overridden by nonResumableOverrides.
func (cs *ChangeStream) resumable(err error) bool {
	var de driver.Error
	if errors.As(err, &de) {
		if _, no := nonResumableOverrides[de.Code]; no {
			return false
		}
		if _, ok := resumableCodes[de.Code]; ok {
			return true
		}
		return de.NetworkError()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// resume composes a new $changeStream stage using the cached resume state
// and rebuilds the aggregate, transferring the implicit session and
// replacing cs.cursor atomically. The caller of Next/TryNext sees no
// error.
//
// Precedence follows the original Watch options: a cached resume token
// (from either an observed event or a postBatchResumeToken) always wins;
// failing that, startAfter survives if that was the original option and
// no event has yet been returned; failing that, startAtOperationTime
// survives if that was the original option, no event has been returned,
// and no postBatchResumeToken has ever been observed.
func (cs *ChangeStream) resume(ctx context.Context) error {
	cs.mu.Lock()
	oldCursor := cs.cursor
	cs.args.ResumeAfter = nil
	cs.args.StartAfter = nil
	cs.args.StartAtOperationTime = nil

	switch {
	case cs.resumeToken != nil:
		cs.args.ResumeAfter = cs.resumeToken
	case cs.postBatchResumeToken != nil && !cs.sawEvent:
		cs.args.ResumeAfter = cs.postBatchResumeToken
	case cs.startAfter != nil && !cs.sawEvent:
		cs.args.StartAfter = cs.startAfter
	case cs.startAtOperationTime != nil && !cs.sawEvent && cs.postBatchResumeToken == nil:
		cs.args.StartAtOperationTime = cs.startAtOperationTime
	}
	cs.mu.Unlock()

	if oldCursor != nil {
		_ = oldCursor.Close(ctx)
	}
	return cs.build(ctx)
}

// ResumeToken returns the resume token a new stream should use to pick up
// where this one left off, either because of a resumable error this
// instance already handled internally or because the caller is persisting
// it for a later process restart.
func (cs *ChangeStream) ResumeToken() bsoncore.Document {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.resumeToken
}

// Close closes the underlying cursor, which sends killCursors if the cursor
// is still live. It does not end cfg.Session.
func (cs *ChangeStream) Close(ctx context.Context) error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	bc := cs.cursor
	cs.mu.Unlock()
	if bc == nil {
		return nil
	}
	return bc.Close(ctx)
}
