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

// UpdateDoc is a single entry of the update command's "updates" array.
type UpdateDoc struct {
	Filter bsoncore.Document
	Update bsoncore.Document // a document (replacement/modifiers) or an array (pipeline)
	UpdateIsArray bool
	Upsert *bool
	Multi *bool
	Collation bsoncore.Document
	ArrayFilters []bsoncore.Document
	Hint bsoncore.Document
}

// Update performs an update operation for one or more UpdateDocs.
type Update struct {
	Collection string
	Updates []UpdateDoc
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

// Result returns the raw server reply.
func (u *Update) Result() bsoncore.Document { return u.result }

// Execute runs the update command. Retryable-writes rules require every
// update to be single-statement (no multi:true) for the command to be
// eligible for automatic retry; retryMode disables retry when any UpdateDoc
// sets Multi to true.
func (u *Update) Execute(ctx context.Context) error {
	if u.Deployment == nil {
		return errors.New("the Update operation must have a Deployment set before Execute can be called")
	}
	op := &Operation{
		CommandFn: u.command,
		ProcessResponseFn: func(info ResponseInfo) error {
			u.result = info.ServerResponse
			return nil
		},
		Client: u.Session,
		Clock: u.Clock,
		CommandMonitor: u.Monitor,
		Logger: u.Logger,
		Database: u.Database,
		Deployment: u.Deployment,
		Selector: u.Selector,
		RetryMode: u.retryMode(),
		WriteConcern: u.WriteConcern,
		OmitReadPreference: true,
		ServerAPI: u.ServerAPI,
	}
	_, err := op.Execute(ctx)
	return err
}

func (u *Update) retryMode() RetryMode {
	for _, up := range u.Updates {
		if up.Multi != nil && *up.Multi {
			return RetryNone
		}
	}
	return RetryWrites
}

func (u *Update) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "update", u.Collection)
	if u.Ordered != nil {
		dst = bsoncore.AppendBooleanElement(dst, "ordered", *u.Ordered)
	}
	if u.BypassDocumentValidation != nil {
		dst = bsoncore.AppendBooleanElement(dst, "bypassDocumentValidation", *u.BypassDocumentValidation)
	}
	if u.Comment != nil {
		dst = bsoncore.AppendStringElement(dst, "comment", *u.Comment)
	}
	idx, dst := bsoncore.AppendArrayElementStart(dst, "updates")
	for i, up := range u.Updates {
		didx, d2 := bsoncore.AppendDocumentElementStart(dst, strconv.Itoa(i))
		d2 = bsoncore.AppendDocumentElement(d2, "q", up.Filter)
		if up.UpdateIsArray {
			d2 = bsoncore.AppendArrayElement(d2, "u", bsoncore.Array(up.Update))
		} else {
			d2 = bsoncore.AppendDocumentElement(d2, "u", up.Update)
		}
		if up.Upsert != nil {
			d2 = bsoncore.AppendBooleanElement(d2, "upsert", *up.Upsert)
		}
		if up.Multi != nil {
			d2 = bsoncore.AppendBooleanElement(d2, "multi", *up.Multi)
		}
		if up.Collation != nil {
			d2 = bsoncore.AppendDocumentElement(d2, "collation", up.Collation)
		}
		if up.Hint != nil {
			d2 = bsoncore.AppendDocumentElement(d2, "hint", up.Hint)
		}
		if len(up.ArrayFilters) > 0 {
			faidx, f2 := bsoncore.AppendArrayElementStart(d2, "arrayFilters")
			for j, af := range up.ArrayFilters {
				f2 = bsoncore.AppendDocumentElement(f2, strconv.Itoa(j), af)
			}
			d2, _ = bsoncore.AppendArrayEnd(f2, faidx)
		}
		dst, _ = bsoncore.AppendDocumentEnd(d2, didx)
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, idx)
	return dst, nil
}
