// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"go.mongodb.org/mongo-driver/bson/bsoncore"
)

// TransactionState is one of the states Transaction
// sub-state: {None, Starting, InProgress, Committed(dataCommitted), Aborted}.
type TransactionState uint8

// TransactionState constants.
const (
	None TransactionState = iota
	Starting
	InProgress
	Committed
	Aborted
)

func (s TransactionState) String() string {
	switch s {
	case Starting:
		return "starting"
	case InProgress:
		return "in progress"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "none"
	}
}

// TransactionOptions carries the per-transaction overrides described in
// command-building precedence list.
type TransactionOptions struct {
	ReadConcern bsoncore.Document
	WriteConcern bsoncore.Document
	ReadPreference bsoncore.Document
	MaxCommitTimeMS *int64
}

func mergeOptions(base, override TransactionOptions) TransactionOptions {
	out := base
	if override.ReadConcern != nil {
		out.ReadConcern = override.ReadConcern
	}
	if override.WriteConcern != nil {
		out.WriteConcern = override.WriteConcern
	}
	if override.ReadPreference != nil {
		out.ReadPreference = override.ReadPreference
	}
	if override.MaxCommitTimeMS != nil {
		out.MaxCommitTimeMS = override.MaxCommitTimeMS
	}
	return out
}

// PinnedConnection is the subset of a pooled connection's pin handle that
// the transaction state machine needs: how to release it. Implemented by
// driver/topology's connection pin handles; kept as an interface here so
// this package does not depend on topology ("PinnedConnectionHandle").
type PinnedConnection interface {
	UnpinFromTransaction() error
}

// Transaction is the Transaction sub-state
type Transaction struct {
	State TransactionState
	CommittedDataCommitted bool
	Options TransactionOptions

	// Pinned is either a mongos address string (sharded deployments) or a
	// PinnedConnection (load-balanced deployments). At most one is set.
	PinnedServer string
	PinnedConnection PinnedConnection

	RecoveryToken bsoncore.Document

	// retryingCommit is true once CommitTransaction has been called at
	// least once while in the Committed state — i.e. we're on the
	// idempotent re-commit path ("Committed(true) -> retry").
	retryingCommit bool
}

func (t *Transaction) isPinned() bool {
	return t.PinnedServer != "" || t.PinnedConnection != nil
}

// clearPinned releases the transaction's server/connection pin: pinning is
// released on commit success, abort, or whenever an error with a
// TransientTransactionError or UnknownTransactionCommitResult label is
// surfaced.
func (t *Transaction) clearPinned() {
	if t.PinnedConnection != nil {
		_ = t.PinnedConnection.UnpinFromTransaction()
	}
	t.PinnedConnection = nil
	t.PinnedServer = ""
}
