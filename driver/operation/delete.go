// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"strconv"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/driver/session"
	"github.com/coredb-io/godriver/event"
	"github.com/coredb-io/godriver/internal/logger"
)

// DeleteDoc is a single entry of the delete command's "deletes" array.
type DeleteDoc struct {
	Filter bsoncore.Document
	Limit int32 // 0 deletes all matches, 1 deletes a single match
	Collation bsoncore.Document
	Hint bsoncore.Document
}

// Delete performs a delete operation for one or more DeleteDocs.
type Delete struct {
	Collection string
	Deletes []DeleteDoc
	Ordered *bool
	Comment *string

	Session *session.ClientSession
	Clock *session.ClusterClock
	Monitor *event.CommandMonitor
	Logger *logger.Logger
	Database string
	Deployment driver.Deployment
	Selector description.ServerSelector
	WriteConcern bsoncore.Document
	ServerAPI *driver.ServerAPIOptions

	result bsoncore.Document
}

// Result returns the raw server reply.
func (d *Delete) Result() bsoncore.Document { return d.result }

// Execute runs the delete command. Only single-document deletes (limit:1)
// are eligible for retryable-writes retry, mirrored in retryMode below.
func (d *Delete) Execute(ctx context.Context) error {
	if d.Deployment == nil {
		return errors.New("the Delete operation must have a Deployment set before Execute can be called")
	}
	op := &Operation{
		CommandFn: d.command,
		ProcessResponseFn: func(info ResponseInfo) error {
			d.result = info.ServerResponse
			return nil
		},
		Client: d.Session,
		Clock: d.Clock,
		CommandMonitor: d.Monitor,
		Logger: d.Logger,
		Database: d.Database,
		Deployment: d.Deployment,
		Selector: d.Selector,
		RetryMode: d.retryMode(),
		WriteConcern: d.WriteConcern,
		OmitReadPreference: true,
		ServerAPI: d.ServerAPI,
	}
	_, err := op.Execute(ctx)
	return err
}

func (d *Delete) retryMode() RetryMode {
	for _, del := range d.Deletes {
		if del.Limit != 1 {
			return RetryNone
		}
	}
	return RetryWrites
}

func (d *Delete) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "delete", d.Collection)
	if d.Ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *d.Ordered)
	}
	if d.Comment != nil {
		dst = bsoncore.AppendStringElement(dst, "comment", *d.Comment)
	}
	idx, dst := bsoncore.AppendArrayElementStart(dst, "deletes")
	for i, del := range d.Deletes {
		didx, d2 := bsoncore.AppendDocumentElementStart(dst, strconv.Itoa(i))
		d2 = bsoncore.AppendDocumentElement(d2, "q", del.Filter)
		d2 = bsoncore.AppendInt32Element(d2, "limit", del.Limit)
		if del.Collation != nil {
			d2 = bsoncore.AppendDocumentElement(d2, "collation", del.Collation)
		}
		if del.Hint != nil {
			d2 = bsoncore.AppendDocumentElement(d2, "hint", del.Hint)
		}
		dst, _ = bsoncore.AppendDocumentEnd(d2, didx)
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, idx)
	return dst, nil
}
