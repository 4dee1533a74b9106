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

// Insert performs an insert operation for one or more documents.
type Insert struct {
	Collection string
	Documents []bsoncore.Document
	Ordered *bool
	BypassDocumentValidation *bool
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

// Result returns the raw server reply (n, writeErrors, writeConcernError).
func (ins *Insert) Result() bsoncore.Document { return ins.result }

// Execute runs the insert command.
func (ins *Insert) Execute(ctx context.Context) error {
	if ins.Deployment == nil {
		return errors.New("the Insert operation must have a Deployment set before Execute can be called")
	}
	op := &Operation{
		CommandFn: ins.command,
		ProcessResponseFn: func(info ResponseInfo) error {
			ins.result = info.ServerResponse
			return nil
		},
		Client: ins.Session,
		Clock: ins.Clock,
		CommandMonitor: ins.Monitor,
		Logger: ins.Logger,
		Database: ins.Database,
		Deployment: ins.Deployment,
		Selector: ins.Selector,
		RetryMode: RetryWrites,
		WriteConcern: ins.WriteConcern,
		OmitReadPreference: true,
		ServerAPI: ins.ServerAPI,
	}
	_, err := op.Execute(ctx)
	return err
}

func (ins *Insert) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "insert", ins.Collection)
	if ins.Ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *ins.Ordered)
	}
	if ins.BypassDocumentValidation != nil {
		dst = bsoncore.AppendBooleanElement(dst, "bypassDocumentValidation", *ins.BypassDocumentValidation)
	}
	if ins.Comment != nil {
		dst = bsoncore.AppendStringElement(dst, "comment", *ins.Comment)
	}
	idx, dst := bsoncore.AppendArrayElementStart(dst, "documents")
	for i, doc := range ins.Documents {
		dst = bsoncore.AppendDocumentElement(dst, strconv.Itoa(i), doc)
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, idx)
	return dst, nil
}
