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
	"github.com/coredb-io/godriver/driver/session"
	"github.com/coredb-io/godriver/event"
	"github.com/coredb-io/godriver/internal/logger"
)

// KillCursors releases a server-side cursor before it is exhausted. A
// BatchCursor issues this with a short, best-effort context rather than the
// caller's own ctx, so cleanup is not cancelled along with the operation
// that triggered it. Deployment is expected to be a
// driver.SingleServerDeployment pinned to the server that opened the
// cursor: killCursors must land on that same server or the server has
// nothing to kill.
type KillCursors struct {
	Collection string

	Session *session.ClientSession
	Clock *session.ClusterClock
	Monitor *event.CommandMonitor
	Logger *logger.Logger
	Database string
	Deployment driver.Deployment
	ServerAPI *driver.ServerAPIOptions
}

func (kc *KillCursors) exec(ctx context.Context, cursorID int64) error {
	op := &Operation{
		CommandFn: func(dst []byte, desc description.SelectedServer) ([]byte, error) {
			return kc.command(dst, cursorID)
		},
		Client: kc.Session,
		Clock: kc.Clock,
		CommandMonitor: kc.Monitor,
		Logger: kc.Logger,
		Database: kc.Database,
		Deployment: kc.Deployment,
		RetryMode: RetryNone,
		OmitReadPreference: true,
		ServerAPI: kc.ServerAPI,
	}
	_, err := op.Execute(ctx)
	return err
}

func (kc *KillCursors) command(dst []byte, cursorID int64) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "killCursors", kc.Collection)
	idx, dst := bsoncore.AppendArrayElementStart(dst, "cursors")
	dst = bsoncore.AppendInt64Element(dst, "0", cursorID)
	dst, _ = bsoncore.AppendArrayEnd(dst, idx)
	return dst, nil
}
