// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/driver/cursor"
	"github.com/coredb-io/godriver/driver/session"
	"github.com/coredb-io/godriver/event"
	"github.com/coredb-io/godriver/internal/logger"
)

// Aggregate performs an aggregate operation, returning a server-side cursor
// over the pipeline's output. Collection is empty for a database-level
// (collection-less) aggregation such as $currentOp or $changeStream against
// a whole database.
type Aggregate struct {
	Collection string
	Pipeline bsoncore.Array
	BatchSize *int32
	AllowDiskUse *bool
	MaxTimeMS *int64
	Comment *string
	Hint bsoncore.Document

	Session *session.ClientSession
	Clock *session.ClusterClock
	Monitor *event.CommandMonitor
	Logger *logger.Logger
	Database string
	Deployment driver.Deployment
	ReadConcern bsoncore.Document
	WriteConcern bsoncore.Document
	ReadPreference bsoncore.Document
	Selector description.ServerSelector
	ServerAPI *driver.ServerAPIOptions

	result cursor.Response
	server driver.Server
}

// Execute runs the aggregate command and stores the raw cursor response.
func (a *Aggregate) Execute(ctx context.Context) error {
	if a.Deployment == nil {
		return errors.New("the Aggregate operation must have a Deployment set before Execute can be called")
	}
	op := &Operation{
		CommandFn: a.command,
		ProcessResponseFn: a.processResponse,
		Client: a.Session,
		Clock: a.Clock,
		CommandMonitor: a.Monitor,
		Logger: a.Logger,
		Database: a.Database,
		Deployment: a.Deployment,
		Selector: a.Selector,
		RetryMode: a.retryMode(),
		ReadConcern: a.ReadConcern,
		WriteConcern: a.WriteConcern,
		ReadPreference: a.ReadPreference,
		ServerAPI: a.ServerAPI,
	}
	_, err := op.Execute(ctx)
	return err
}

// retryMode reports RetryReads unless the pipeline contains a writing stage
// ($out/$merge), which is never retryable.
func (a *Aggregate) retryMode() RetryMode {
	if a.hasWritingStage() {
		return RetryNone
	}
	return RetryReads
}

func (a *Aggregate) hasWritingStage() bool {
	values, err := bsoncore.Array(a.Pipeline).Values()
	if err != nil {
		return false
	}
	for _, v := range values {
		doc, ok := v.DocumentOK()
		if !ok {
			continue
		}
		elems, err := doc.Elements()
		if err != nil || len(elems) == 0 {
			continue
		}
		switch elems[0].Key() {
		case "$out", "$merge":
			return true
		}
	}
	return false
}

func (a *Aggregate) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	if a.Collection != "" {
		dst = bsoncore.AppendStringElement(dst, "aggregate", a.Collection)
	} else {
		dst = bsoncore.AppendInt32Element(dst, "aggregate", 1)
	}
	dst = bsoncore.AppendArrayElement(dst, "pipeline", a.Pipeline)

	cidx, dst := bsoncore.AppendDocumentElementStart(dst, "cursor")
	if a.BatchSize != nil {
		dst = bsoncore.AppendInt32Element(dst, "batchSize", *a.BatchSize)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, cidx)

	if a.AllowDiskUse != nil {
		dst = bsoncore.AppendBooleanElement(dst, "allowDiskUse", *a.AllowDiskUse)
	}
	if a.MaxTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", *a.MaxTimeMS)
	}
	if a.Comment != nil {
		dst = bsoncore.AppendStringElement(dst, "comment", *a.Comment)
	}
	if a.Hint != nil {
		dst = bsoncore.AppendDocumentElement(dst, "hint", a.Hint)
	}
	return dst, nil
}

func (a *Aggregate) processResponse(info ResponseInfo) error {
	resp, err := cursor.NewResponse(info.ServerResponse)
	if err != nil {
		return err
	}
	a.result = resp
	a.server = info.Server
	return nil
}

// Result builds the batch cursor over the aggregate's first batch, wiring
// a getMore/killCursors pair pinned to the exact server the aggregate
// command ran against, per the same server-pinning requirement as Find.
func (a *Aggregate) Result() *cursor.BatchCursor {
	pinned := driver.SingleServerDeployment{Server: a.server}
	gm := &GetMore{
		Collection: a.Collection,
		BatchSize: a.BatchSize,
		Session: a.Session,
		Clock: a.Clock,
		Monitor: a.Monitor,
		Logger: a.Logger,
		Database: a.Database,
		Deployment: pinned,
		ServerAPI: a.ServerAPI,
	}
	kc := &KillCursors{
		Collection: a.Collection,
		Session: a.Session,
		Clock: a.Clock,
		Monitor: a.Monitor,
		Database: a.Database,
		Deployment: pinned,
		ServerAPI: a.ServerAPI,
	}
	return cursor.NewBatchCursor(a.result, gm.exec, kc.exec)
}
