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

// Find performs a find operation, returning a server-side cursor over the
// matching documents.
type Find struct {
	Collection string
	Filter bsoncore.Document
	Sort bsoncore.Document
	Projection bsoncore.Document
	Limit *int64
	Skip *int64
	BatchSize *int32
	Comment *string
	Hint bsoncore.Document
	Tailable bool
	AwaitData bool
	NoCursorTimeout bool
	AllowDiskUse *bool
	Max bsoncore.Document
	Min bsoncore.Document

	Session *session.ClientSession
	Clock *session.ClusterClock
	Monitor *event.CommandMonitor
	Logger *logger.Logger
	Database string
	Deployment driver.Deployment
	ReadConcern bsoncore.Document
	ReadPreference bsoncore.Document
	Selector description.ServerSelector
	ServerAPI *driver.ServerAPIOptions

	result cursor.Response
	server driver.Server
}

// Execute runs the find command and stores the raw cursor response.
func (f *Find) Execute(ctx context.Context) error {
	if f.Deployment == nil {
		return errors.New("the Find operation must have a Deployment set before Execute can be called")
	}
	op := &Operation{
		CommandFn: f.command,
		ProcessResponseFn: f.processResponse,
		Client: f.Session,
		Clock: f.Clock,
		CommandMonitor: f.Monitor,
		Logger: f.Logger,
		Database: f.Database,
		Deployment: f.Deployment,
		Selector: f.Selector,
		RetryMode: RetryReads,
		ReadConcern: f.ReadConcern,
		ReadPreference: f.ReadPreference,
		ServerAPI: f.ServerAPI,
	}
	_, err := op.Execute(ctx)
	return err
}

func (f *Find) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "find", f.Collection)
	if f.Filter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "filter", f.Filter)
	}
	if f.Sort != nil {
		dst = bsoncore.AppendDocumentElement(dst, "sort", f.Sort)
	}
	if f.Projection != nil {
		dst = bsoncore.AppendDocumentElement(dst, "projection", f.Projection)
	}
	if f.Skip != nil {
		dst = bsoncore.AppendInt64Element(dst, "skip", *f.Skip)
	}
	if f.Limit != nil {
		dst = bsoncore.AppendInt64Element(dst, "limit", *f.Limit)
	}
	if f.BatchSize != nil {
		dst = bsoncore.AppendInt32Element(dst, "batchSize", *f.BatchSize)
	}
	if f.Comment != nil {
		dst = bsoncore.AppendStringElement(dst, "comment", *f.Comment)
	}
	if f.Hint != nil {
		dst = bsoncore.AppendDocumentElement(dst, "hint", f.Hint)
	}
	if f.Tailable {
		dst = bsoncore.AppendBooleanElement(dst, "tailable", true)
	}
	if f.AwaitData {
		dst = bsoncore.AppendBooleanElement(dst, "awaitData", true)
	}
	if f.NoCursorTimeout {
		dst = bsoncore.AppendBooleanElement(dst, "noCursorTimeout", true)
	}
	if f.AllowDiskUse != nil {
		dst = bsoncore.AppendBooleanElement(dst, "allowDiskUse", *f.AllowDiskUse)
	}
	if f.Max != nil {
		dst = bsoncore.AppendDocumentElement(dst, "max", f.Max)
	}
	if f.Min != nil {
		dst = bsoncore.AppendDocumentElement(dst, "min", f.Min)
	}
	return dst, nil
}

func (f *Find) processResponse(info ResponseInfo) error {
	resp, err := cursor.NewResponse(info.ServerResponse)
	if err != nil {
		return err
	}
	f.result = resp
	f.server = info.Server
	return nil
}

// Result builds the batch cursor over the find's first batch, wiring a
// getMore/killCursors pair pinned to the exact server the find command ran
// against: per the cursor data model, getMore/killCursors must target the
// server that opened the cursor rather than re-running server selection.
func (f *Find) Result() *cursor.BatchCursor {
	pinned := driver.SingleServerDeployment{Server: f.server}
	gm := &GetMore{
		Collection: f.Collection,
		BatchSize: f.BatchSize,
		Session: f.Session,
		Clock: f.Clock,
		Monitor: f.Monitor,
		Logger: f.Logger,
		Database: f.Database,
		Deployment: pinned,
		ServerAPI: f.ServerAPI,
	}
	kc := &KillCursors{
		Collection: f.Collection,
		Session: f.Session,
		Clock: f.Clock,
		Monitor: f.Monitor,
		Database: f.Database,
		Deployment: pinned,
		ServerAPI: f.ServerAPI,
	}
	return cursor.NewBatchCursor(f.result, gm.exec, kc.exec)
}
