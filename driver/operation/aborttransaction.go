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

// AbortTransaction performs an abortTransaction command. Failures are
// deliberately swallowed by callers (the server will eventually expire an
// abandoned transaction on its own), but Execute still reports them so a
// caller can log rather than silently discard.
type AbortTransaction struct {
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
}

// Execute runs the abortTransaction command.
func (at *AbortTransaction) Execute(ctx context.Context) error {
	if at.Deployment == nil {
		return errors.New("the AbortTransaction operation must have a Deployment set before Execute can be called")
	}
	op := &Operation{
		CommandFn: at.command,
		Client: at.Session,
		Clock: at.Clock,
		CommandMonitor: at.Monitor,
		Logger: at.Logger,
		Database: at.Database,
		Deployment: at.Deployment,
		Selector: at.Selector,
		RetryMode: RetryWrites,
		WriteConcern: at.WriteConcern,
		OmitReadPreference: true,
		ServerAPI: at.ServerAPI,
	}
	_, err := op.Execute(ctx)
	return err
}

func (at *AbortTransaction) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "abortTransaction", 1)
	if at.RecoveryToken != nil {
		dst = bsoncore.AppendDocumentElement(dst, "recoveryToken", at.RecoveryToken)
	}
	return dst, nil
}
