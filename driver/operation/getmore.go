// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/driver/cursor"
	"github.com/coredb-io/godriver/driver/session"
	"github.com/coredb-io/godriver/event"
	"github.com/coredb-io/godriver/internal/logger"
)

// GetMore fetches the next batch of an already-open cursor. It carries no
// read preference of its own: Deployment is expected to be a
// driver.SingleServerDeployment pinned to the server that opened the
// cursor, since getMore must run against that exact server rather than
// whatever a fresh selection would return.
type GetMore struct {
	Collection string
	BatchSize *int32
	MaxTimeMS *int64
	Comment *string

	Session *session.ClientSession
	Clock *session.ClusterClock
	Monitor *event.CommandMonitor
	Logger *logger.Logger
	Database string
	Deployment driver.Deployment
	ServerAPI *driver.ServerAPIOptions
}

// exec is the cursor.GetMoreFunc this command builder hands to a
// cursor.BatchCursor.
func (gm *GetMore) exec(ctx context.Context, cursorID int64) (cursor.Response, error) {
	var result cursor.Response
	op := &Operation{
		CommandFn: func(dst []byte, desc description.SelectedServer) ([]byte, error) {
			return gm.command(dst, cursorID)
		},
		ProcessResponseFn: func(info ResponseInfo) error {
			resp, err := cursor.NewResponse(info.ServerResponse)
			if err != nil {
				return err
			}
			result = resp
			return nil
		},
		Client: gm.Session,
		Clock: gm.Clock,
		CommandMonitor: gm.Monitor,
		Logger: gm.Logger,
		Database: gm.Database,
		Deployment: gm.Deployment,
		RetryMode: RetryNone,
		OmitReadPreference: true,
		ServerAPI: gm.ServerAPI,
	}
	_, err := op.Execute(ctx)
	return result, err
}

func (gm *GetMore) command(dst []byte, cursorID int64) ([]byte, error) {
	dst = bsoncore.AppendInt64Element(dst, "getMore", cursorID)
	dst = bsoncore.AppendStringElement(dst, "collection", gm.Collection)
	if gm.BatchSize != nil {
		dst = bsoncore.AppendInt32Element(dst, "batchSize", *gm.BatchSize)
	}
	if gm.MaxTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", *gm.MaxTimeMS)
	}
	if gm.Comment != nil {
		dst = bsoncore.AppendStringElement(dst, "comment", *gm.Comment)
	}
	return dst, nil
}
