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
	"github.com/coredb-io/godriver/driver/session"
	"github.com/coredb-io/godriver/event"
	"github.com/coredb-io/godriver/internal/logger"
)

// CommitTransaction performs a commitTransaction command against the
// transaction's pinned server. It sends WriteConcern as given; it does not
// itself set w:majority or add a wtimeout when the commit is retried.
type CommitTransaction struct {
	MaxTimeMS *int64
	RecoveryToken bsoncore.Document

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
func (ct *CommitTransaction) Result() bsoncore.Document { return ct.result }

// Execute runs the commitTransaction command.
func (ct *CommitTransaction) Execute(ctx context.Context) error {
	if ct.Deployment == nil {
		return errors.New("the CommitTransaction operation must have a Deployment set before Execute can be called")
	}
	op := &Operation{
		CommandFn: ct.command,
		ProcessResponseFn: func(info ResponseInfo) error {
			ct.result = info.ServerResponse
			return nil
		},
		Client: ct.Session,
		Clock: ct.Clock,
		CommandMonitor: ct.Monitor,
		Logger: ct.Logger,
		Database: ct.Database,
		Deployment: ct.Deployment,
		Selector: ct.Selector,
		RetryMode: RetryWrites,
		WriteConcern: ct.WriteConcern,
		OmitReadPreference: true,
		ServerAPI: ct.ServerAPI,
	}
	_, err := op.Execute(ctx)
	return err
}

func (ct *CommitTransaction) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "commitTransaction", 1)
	if ct.MaxTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", *ct.MaxTimeMS)
	}
	if ct.RecoveryToken != nil {
		dst = bsoncore.AppendDocumentElement(dst, "recoveryToken", ct.RecoveryToken)
	}
	return dst, nil
}
